package routing

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/tow-dispatch/internal/models"
)

// GoogleMapsClient resolves driving routes through the Directions API.
type GoogleMapsClient struct {
	client *maps.Client
	region string
}

func NewGoogleMapsClient(apiKey, region string) (*GoogleMapsClient, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleMapsClient{client: client, region: region}, nil
}

func (g *GoogleMapsClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	r := &maps.DirectionsRequest{
		Origin:      fmtCoord(from),
		Destination: fmtCoord(to),
		Mode:        maps.TravelModeDriving,
		Region:      g.region,
	}
	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return Route{}, fmt.Errorf("%w: maps api error: %v", models.ErrDependencyUnavailable, err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Route{}, fmt.Errorf("%w: no route found", models.ErrDependencyUnavailable)
	}
	var out Route
	for _, leg := range routes[0].Legs {
		out.DistanceMeters += float64(leg.Distance.Meters)
		out.DurationSeconds += leg.Duration.Seconds()
	}
	out.Geometry = routes[0].OverviewPolyline.Points
	return out, nil
}
