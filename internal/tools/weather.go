package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultWeatherEndpoint = "https://wttr.in"
	defaultUserAgent       = "llmbot"
	maxWeatherBodyBytes    = 1 << 20
)

// WeatherClient looks up current conditions from a wttr.in compatible API.
type WeatherClient struct {
	Client   *http.Client
	Endpoint string
	Lang     string
	Timeout  time.Duration
}

// Weather is the normalized current-condition report.
type Weather struct {
	Temperature     string `json:"temperature"`
	Condition       string `json:"condition"`
	FeelsLike       string `json:"feels_like"`
	Humidity        string `json:"humidity"`
	WindSpeed       string `json:"wind_speed"`
	UVIndex         string `json:"uv_index"`
	Visibility      string `json:"visibility"`
	Precipitation   string `json:"precipitation"`
	ObservationTime string `json:"observation_time"`
}

// WeatherError is returned to the model as a value, not as a tool failure.
type WeatherError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newWeatherError(code int, message string) *WeatherError {
	out := &WeatherError{}
	out.Error.Code = code
	out.Error.Message = message
	return out
}

type wttrResponse struct {
	CurrentCondition []map[string]any `json:"current_condition"`
}

// Lookup fetches the current weather for city. Upstream HTTP failures and
// unknown cities come back as a WeatherError value.
func (c WeatherClient) Lookup(ctx context.Context, city string) (*Weather, *WeatherError, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return nil, nil, fmt.Errorf("%w: city is required", ErrInvalidArguments)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := strings.TrimRight(strings.TrimSpace(c.Endpoint), "/")
	if endpoint == "" {
		endpoint = defaultWeatherEndpoint
	}
	lang := strings.TrimSpace(c.Lang)
	if lang == "" {
		lang = "en"
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	reqURL := fmt.Sprintf("%s/%s?format=j1&lang=%s", endpoint, url.PathEscape(city), url.QueryEscape(lang))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create weather request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("weather request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWeatherBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read weather response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newWeatherError(resp.StatusCode, strings.TrimSpace(string(body))), nil
	}

	var parsed wttrResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, nil, fmt.Errorf("decode weather response: %w", err)
	}
	if len(parsed.CurrentCondition) == 0 {
		return nil, newWeatherError(http.StatusNotFound, fmt.Sprintf("no weather information found for %s", city)), nil
	}

	cond := parsed.CurrentCondition[0]
	return &Weather{
		Temperature:     field(cond, "temp_C") + "°C",
		Condition:       conditionText(cond, lang),
		FeelsLike:       field(cond, "FeelsLikeC") + "°C",
		Humidity:        field(cond, "humidity") + "%",
		WindSpeed:       field(cond, "windspeedKmph") + " km/h",
		UVIndex:         field(cond, "uvIndex"),
		Visibility:      field(cond, "visibility") + " km",
		Precipitation:   field(cond, "precipMM") + " mm",
		ObservationTime: field(cond, "localObsDateTime"),
	}, nil, nil
}

// Format renders a report for direct display to a user.
func (w *Weather) Format(city string) string {
	return strings.Join([]string{
		fmt.Sprintf("Current weather in %s (%s):", city, w.ObservationTime),
		"Condition: " + w.Condition,
		fmt.Sprintf("Temperature: %s, feels like %s", w.Temperature, w.FeelsLike),
		"Humidity: " + w.Humidity,
		"Wind: " + w.WindSpeed,
		"UV index: " + w.UVIndex,
		"Visibility: " + w.Visibility,
		"Precipitation: " + w.Precipitation,
	}, "\n")
}

type weatherParams struct {
	City string `json:"city"`
}

// GetWeather returns the get_weather tool backed by c.
func GetWeather(c WeatherClient) Tool {
	return Func(
		"get_weather",
		"Get the current weather for a city. If the user did not name a city, ask them first.",
		[]Param{String("city", "City name")},
		func(ctx context.Context, _ Env, p weatherParams) (any, error) {
			report, failure, err := c.Lookup(ctx, p.City)
			if err != nil {
				return nil, err
			}
			if failure != nil {
				return failure, nil
			}
			return report, nil
		},
	)
}

func field(cond map[string]any, key string) string {
	if s, ok := cond[key].(string); ok {
		return s
	}
	return ""
}

// conditionText prefers the localized description wttr.in returns under
// lang_<code>, falling back to the English weatherDesc.
func conditionText(cond map[string]any, lang string) string {
	for _, key := range []string{"lang_" + lang, "weatherDesc"} {
		entries, ok := cond[key].([]any)
		if !ok || len(entries) == 0 {
			continue
		}
		if first, ok := entries[0].(map[string]any); ok {
			if v, ok := first["value"].(string); ok && v != "" {
				return v
			}
		}
	}
	return ""
}
