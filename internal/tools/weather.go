package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/duskpine/vombat/internal/cache"
	"github.com/duskpine/vombat/internal/llm"
	"github.com/duskpine/vombat/internal/storage"
)

const (
	defaultWeatherEndpoint = "https://api.openweathermap.org"
	weatherTTL             = 10 * time.Minute
	geocodeTTL             = 30 * 24 * time.Hour
)

// WeatherService wraps the OpenWeatherMap current-weather and geocoding
// APIs with typed response caching.
type WeatherService struct {
	apiKey     string
	endpoint   string
	store      storage.Store
	httpClient *http.Client
}

func NewWeatherService(apiKey, endpoint string, store storage.Store) *WeatherService {
	if endpoint == "" {
		endpoint = defaultWeatherEndpoint
	}
	return &WeatherService{
		apiKey:     apiKey,
		endpoint:   endpoint,
		store:      store,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type geoPlace struct {
	Name    string  `json:"name"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Country string  `json:"country"`
	State   string  `json:"state,omitempty"`
}

type weatherReport struct {
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
		Pressure  int     `json:"pressure"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Name string `json:"name"`
}

func (s *WeatherService) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	query.Set("appid", s.apiKey)
	req, err := http.NewRequestWithContext(ctx, "GET", s.endpoint+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("openweathermap %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openweathermap %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Geocode resolves a place query to coordinates. Results are cached for a
// month; place coordinates do not move.
func (s *WeatherService) Geocode(ctx context.Context, query string) (*geoPlace, error) {
	key := strings.ToLower(strings.TrimSpace(query))

	var cached geoPlace
	err := cache.TypedGet(ctx, s.store, cache.DomainGeocode, key, geocodeTTL, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, cache.ErrStale) {
		return nil, err
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("limit", "1")
	var places []geoPlace
	if err := s.getJSON(ctx, "/geo/1.0/direct", q, &places); err != nil {
		return nil, err
	}
	if len(places) == 0 {
		return nil, fmt.Errorf("no location found for %q", query)
	}
	if err := cache.TypedPut(ctx, s.store, cache.DomainGeocode, key, &places[0]); err != nil {
		return nil, err
	}
	return &places[0], nil
}

// ReverseGeocode resolves coordinates to the nearest named place.
func (s *WeatherService) ReverseGeocode(ctx context.Context, lat, lon float64) (*geoPlace, error) {
	key := fmt.Sprintf("%.4f,%.4f", lat, lon)

	var cached geoPlace
	err := cache.TypedGet(ctx, s.store, cache.DomainGeocodeRev, key, geocodeTTL, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, cache.ErrStale) {
		return nil, err
	}

	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("limit", "1")
	var places []geoPlace
	if err := s.getJSON(ctx, "/geo/1.0/reverse", q, &places); err != nil {
		return nil, err
	}
	if len(places) == 0 {
		return nil, fmt.Errorf("no place found at %.4f,%.4f", lat, lon)
	}
	if err := cache.TypedPut(ctx, s.store, cache.DomainGeocodeRev, key, &places[0]); err != nil {
		return nil, err
	}
	return &places[0], nil
}

// Current returns a formatted current-weather line for a place query.
// Weather responses are cached per coordinate for a short window.
func (s *WeatherService) Current(ctx context.Context, query string) (string, error) {
	place, err := s.Geocode(ctx, query)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("%.4f,%.4f", place.Lat, place.Lon)
	var report weatherReport
	err = cache.TypedGet(ctx, s.store, cache.DomainWeather, key, weatherTTL, &report)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, cache.ErrStale) {
		q := url.Values{}
		q.Set("lat", strconv.FormatFloat(place.Lat, 'f', -1, 64))
		q.Set("lon", strconv.FormatFloat(place.Lon, 'f', -1, 64))
		q.Set("units", "metric")
		if err := s.getJSON(ctx, "/data/2.5/weather", q, &report); err != nil {
			return "", err
		}
		if err := cache.TypedPut(ctx, s.store, cache.DomainWeather, key, &report); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}

	return formatWeather(place, &report), nil
}

func formatWeather(place *geoPlace, r *weatherReport) string {
	desc := ""
	if len(r.Weather) > 0 {
		desc = r.Weather[0].Description
	}
	name := place.Name
	if place.Country != "" {
		name += ", " + place.Country
	}
	return fmt.Sprintf("%s: %s, %.1f°C (feels like %.1f°C), humidity %d%%, wind %.1f m/s",
		name, desc, r.Main.Temp, r.Main.FeelsLike, r.Main.Humidity, r.Wind.Speed)
}

// WeatherTool exposes current weather to the model.
func (s *WeatherService) WeatherTool() llm.Tool {
	return llm.Tool{
		Name:        "get_weather",
		Description: "Get current weather for a city or place. Returns temperature, conditions, humidity and wind.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"location": map[string]interface{}{
					"type":        "string",
					"description": "City name, optionally with country code, e.g. 'Berlin, DE'.",
				},
			},
			"required": []string{"location"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			location, err := requireString(args, "location")
			if err != nil {
				return "", err
			}
			return s.Current(ctx, location)
		},
	}
}

// GeocodeTool exposes forward and reverse geocoding to the model.
func (s *WeatherService) GeocodeTool() llm.Tool {
	return llm.Tool{
		Name:        "geocode",
		Description: "Resolve a place name to coordinates, or coordinates to the nearest place name.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Place name to resolve. Omit when lat/lon are given.",
				},
				"lat": map[string]interface{}{"type": "number"},
				"lon": map[string]interface{}{"type": "number"},
			},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			lat, okLat := argFloat(args, "lat")
			lon, okLon := argFloat(args, "lon")
			if okLat && okLon {
				place, err := s.ReverseGeocode(ctx, lat, lon)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%s, %s (%.4f, %.4f)", place.Name, place.Country, place.Lat, place.Lon), nil
			}
			query, err := requireString(args, "query")
			if err != nil {
				return "", err
			}
			place, err := s.Geocode(ctx, query)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s, %s (%.4f, %.4f)", place.Name, place.Country, place.Lat, place.Lon), nil
		},
	}
}
