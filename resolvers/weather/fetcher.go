package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/exthost/extension"
)

// DefaultBaseURL is the open-meteo forecast endpoint.
const DefaultBaseURL = "https://api.open-meteo.com/v1/forecast"

// maxBodySize caps the provider response.
const maxBodySize = 1 << 20

// Location selects the forecast.
type Location struct {
	Latitude  float64
	Longitude float64
	Timezone  string
}

// Report is one fetched weather snapshot. A Report is never modified after
// it was published to readers.
type Report struct {
	Forecast    []float64 `json:"forecast"`
	WindSpeed   float64   `json:"windSpeed"`
	Temperature float64   `json:"temperature"`
	Rainfall    float64   `json:"rainfall"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

// Fetcher retrieves a weather report.
type Fetcher interface {
	Fetch(ctx context.Context, loc Location) (Report, error)
}

// HTTPFetcher queries an open-meteo compatible forecast API.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
	now     func() time.Time
}

// NewHTTPFetcher creates a fetcher for baseURL. A nil client means
// http.DefaultClient.
func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{BaseURL: baseURL, Client: client, now: time.Now}
}

// forecastResponse mirrors the parts of the provider response we read.
// Pointers tell a missing field from a zero value.
type forecastResponse struct {
	Daily *struct {
		TemperatureMax []float64 `json:"temperature_2m_max"`
	} `json:"daily"`
	CurrentWeather *struct {
		WindSpeed   *float64 `json:"windspeed"`
		Temperature *float64 `json:"temperature"`
		Rain        *float64 `json:"rain"`
	} `json:"current_weather"`
}

// URL returns the request URL for loc.
func (f *HTTPFetcher) URL(loc Location) (string, error) {
	u, err := url.Parse(f.BaseURL)
	if err != nil {
		return "", fmt.Errorf("%w: base url: %w", extension.ErrConfiguration, err)
	}
	q := u.Query()
	q.Set("latitude", strconv.FormatFloat(loc.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(loc.Longitude, 'f', -1, 64))
	q.Set("daily", "temperature_2m_max")
	q.Set("current_weather", "true")
	q.Set("timezone", loc.Timezone)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Fetch performs one request. Transport failures, non-2xx responses and
// bodies missing required fields are reported as communication errors.
func (f *HTTPFetcher) Fetch(ctx context.Context, loc Location) (Report, error) {
	target, err := f.URL(loc)
	if err != nil {
		return Report{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Report{}, fmt.Errorf("%w: build request: %w", extension.ErrCommunication, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %w", extension.ErrCommunication, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return Report{}, fmt.Errorf("%w: provider answered %s", extension.ErrCommunication, resp.Status)
	}

	var body forecastResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&body); err != nil {
		return Report{}, fmt.Errorf("%w: decode forecast: %w", extension.ErrCommunication, err)
	}

	report, err := body.report()
	if err != nil {
		return Report{}, err
	}
	report.FetchedAt = f.now().UTC()

	log.Debug().
		Int("forecast_days", len(report.Forecast)).
		Float64("temperature", report.Temperature).
		Msg("weather report fetched")
	return report, nil
}

func (b forecastResponse) report() (Report, error) {
	switch {
	case b.Daily == nil:
		return Report{}, fmt.Errorf("%w: forecast without daily section", extension.ErrCommunication)
	case b.CurrentWeather == nil:
		return Report{}, fmt.Errorf("%w: forecast without current_weather section", extension.ErrCommunication)
	case b.CurrentWeather.WindSpeed == nil || b.CurrentWeather.Temperature == nil:
		return Report{}, fmt.Errorf("%w: current_weather without windspeed or temperature", extension.ErrCommunication)
	}

	r := Report{
		Forecast:    b.Daily.TemperatureMax,
		WindSpeed:   *b.CurrentWeather.WindSpeed,
		Temperature: *b.CurrentWeather.Temperature,
	}
	if r.Forecast == nil {
		r.Forecast = []float64{}
	}
	if b.CurrentWeather.Rain != nil {
		r.Rainfall = *b.CurrentWeather.Rain
	}
	return r, nil
}
