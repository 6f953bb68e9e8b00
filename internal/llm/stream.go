package llm

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/neoclaw-ai/llmbot/internal/config"
	"github.com/neoclaw-ai/llmbot/internal/metrics"
	"github.com/neoclaw-ai/llmbot/internal/provider"
	"github.com/neoclaw-ai/llmbot/internal/telemetry"
)

// Stream wraps a provider stream and records usage for every chunk that
// carries it.
type Stream struct {
	inner provider.Stream
	svc   *Service
	ctx   context.Context
	model config.ModelConfig
	span  trace.Span

	closeOnce sync.Once
	closeErr  error
}

var _ provider.Stream = (*Stream)(nil)

func (s *Stream) Next() bool {
	if !s.inner.Next() {
		return false
	}
	if chunk := s.inner.Current(); chunk.Usage != nil {
		s.svc.recordUsage(s.ctx, s.model, *chunk.Usage)
		telemetry.AddTokenAttributes(s.span, chunk.Usage.InputTokens, chunk.Usage.OutputTokens, chunk.Usage.TotalTokens)
	}
	return true
}

func (s *Stream) Current() provider.Chunk {
	return s.inner.Current()
}

func (s *Stream) Err() error {
	return s.inner.Err()
}

// Close releases the transport. Calling it again is a no-op.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if err := s.inner.Err(); err != nil {
			telemetry.AddErrorAttribute(s.span, err)
		}
		s.closeErr = s.inner.Close()
		metrics.ActiveStreams.Dec()
		s.span.End()
	})
	return s.closeErr
}

// Collect drains stream into a single response and closes it. Tool call
// fragments are merged by index.
func Collect(stream provider.Stream) (*provider.Response, error) {
	defer stream.Close()

	var text strings.Builder
	resp := &provider.Response{}
	calls := map[int]*provider.ToolCall{}
	args := map[int]*strings.Builder{}

	for stream.Next() {
		chunk := stream.Current()
		text.WriteString(chunk.TextDelta)
		for _, frag := range chunk.ToolCalls {
			call, ok := calls[frag.Index]
			if !ok {
				call = &provider.ToolCall{}
				calls[frag.Index] = call
				args[frag.Index] = &strings.Builder{}
			}
			if frag.ID != "" {
				call.ID = frag.ID
			}
			if frag.Name != "" {
				call.Name = frag.Name
			}
			args[frag.Index].WriteString(frag.ArgumentsDelta)
		}
		if chunk.Usage != nil {
			resp.Usage = *chunk.Usage
		}
		if chunk.FinishReason != "" {
			resp.FinishReason = chunk.FinishReason
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		call := calls[idx]
		call.Arguments = args[idx].String()
		resp.ToolCalls = append(resp.ToolCalls, *call)
	}
	resp.Content = text.String()
	if s, ok := stream.(*Stream); ok {
		resp.Model = s.model.Name
	}
	return resp, nil
}
