package weather

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/tphakala/birdframe/internal/conf"
	"github.com/tphakala/birdframe/internal/errors"
	"github.com/tphakala/birdframe/internal/httpclient"
)

// DefaultOpenWeatherEndpoint is the current-conditions endpoint.
const DefaultOpenWeatherEndpoint = "https://api.openweathermap.org/data/2.5/weather"

// openWeatherResponse is the subset of the OpenWeather current-conditions
// payload this service consumes.
type openWeatherResponse struct {
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity int     `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Clouds struct {
		All int `json:"all"`
	} `json:"clouds"`
	Rain struct {
		OneHour float64 `json:"1h"`
	} `json:"rain"`
	Snow struct {
		OneHour float64 `json:"1h"`
	} `json:"snow"`
	Dt int64 `json:"dt"`
}

// OpenWeather fetches current conditions from the OpenWeather API.
type OpenWeather struct {
	endpoint string
	apiKey   string
	lat      float64
	lon      float64
	client   *httpclient.Client
}

// NewOpenWeather creates the OpenWeather provider. client may be nil, in
// which case a client with a 10 second default timeout is created.
func NewOpenWeather(settings *conf.WeatherSettings, client *httpclient.Client) *OpenWeather {
	if client == nil {
		client = httpclient.New(&httpclient.Config{DefaultTimeout: 10 * time.Second})
	}
	return &OpenWeather{
		endpoint: DefaultOpenWeatherEndpoint,
		apiKey:   settings.APIKey,
		lat:      settings.Latitude,
		lon:      settings.Longitude,
		client:   client,
	}
}

// Fetch implements Provider.
func (p *OpenWeather) Fetch(ctx context.Context) (*Observation, error) {
	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%.3f", p.lat))
	q.Set("lon", fmt.Sprintf("%.3f", p.lon))
	q.Set("appid", p.apiKey)
	q.Set("units", "metric")

	var payload openWeatherResponse
	if err := p.client.GetJSON(ctx, p.endpoint+"?"+q.Encode(), nil, &payload); err != nil {
		return nil, errors.New(err).
			Component("weather").
			Category(errors.CategoryUpstream).
			Context("provider", "openweather").
			Build()
	}

	obs := &Observation{
		Temperature:   payload.Main.Temp,
		WindSpeed:     payload.Wind.Speed,
		CloudCover:    payload.Clouds.All,
		Precipitation: payload.Rain.OneHour + payload.Snow.OneHour,
		ObservedAt:    time.Unix(payload.Dt, 0).UTC(),
	}
	if len(payload.Weather) > 0 {
		obs.Condition = payload.Weather[0].Main
	}
	return obs, nil
}
