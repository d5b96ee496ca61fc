package osrm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/twpayne/go-polyline"

	"github.com/example/trip-matching/internal/models"
	"github.com/example/trip-matching/internal/observability"
)

// Radius hints sent to the engine, in meters. Reported GPS accuracy is used
// when present, floored so the engine still has room to snap.
const (
	defaultRadiusM = 25.0
	minRadiusM     = 5.0
)

var polyline6 = polyline.Codec{Dim: 2, Scale: 1e6}

// Client calls an OSRM /match endpoint and normalizes its response into a
// MatchOutcome. It never returns an error: every failure mode becomes an
// outcome with Success=false, and transport-level failures are additionally
// flagged Transient so the orchestrator can report the engine as
// unavailable while leaving the trip retryable.
type Client struct {
	Endpoint string
	HTTP     *http.Client
}

func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{Endpoint: strings.TrimRight(endpoint, "/"), HTTP: &http.Client{Timeout: timeout}}
}

type matchResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Matchings []struct {
		Distance   float64 `json:"distance"` // meters
		Confidence float64 `json:"confidence"`
		Geometry   string  `json:"geometry"` // polyline6
	} `json:"matchings"`
}

// Match snaps an ordered point sequence to the road network. Stateless: the
// outcome is a function of the inputs and the engine's response only.
func (c *Client) Match(points []models.GpsPoint, referenceKm float64) models.MatchOutcome {
	start := time.Now()
	out := c.match(points)
	observability.OSRMRequestDuration.Observe(time.Since(start).Seconds())
	if out.Success {
		observability.OSRMRequestsTotal.WithLabelValues("ok").Inc()
	} else {
		observability.OSRMRequestsTotal.WithLabelValues("error").Inc()
	}
	return out
}

func (c *Client) match(points []models.GpsPoint) models.MatchOutcome {
	resp, err := c.HTTP.Get(c.requestURL(points))
	if err != nil {
		return failure(fmt.Sprintf("osrm request: %v", err), true)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// OSRM reports NoMatch and friends with 4xx bodies; decode those as
		// engine refusals, everything else as infrastructure trouble
		var body matchResponse
		if derr := json.NewDecoder(resp.Body).Decode(&body); derr == nil && body.Code != "" {
			return failure(fmt.Sprintf("osrm %s: %s", body.Code, body.Message), false)
		}
		return failure(fmt.Sprintf("osrm status %d", resp.StatusCode), true)
	}

	var body matchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return failure(fmt.Sprintf("osrm decode: %v", err), false)
	}
	if body.Code != "Ok" || len(body.Matchings) == 0 {
		return failure(fmt.Sprintf("osrm no match: %s", body.Code), false)
	}

	var (
		geometry []models.Coord
		totalM   float64
		weighted float64
		sumConf  float64
	)
	for _, m := range body.Matchings {
		coords, _, err := polyline6.DecodeCoords([]byte(m.Geometry))
		if err != nil {
			return failure(fmt.Sprintf("osrm geometry decode: %v", err), false)
		}
		for _, c := range coords {
			geometry = append(geometry, models.Coord{Lat: c[0], Lon: c[1]})
		}
		totalM += m.Distance
		weighted += m.Confidence * m.Distance
		sumConf += m.Confidence
	}

	// distance-weighted mean of per-matching confidence; plain mean when the
	// engine reports zero-length matchings. Monotonic in the engine signal.
	confidence := sumConf / float64(len(body.Matchings))
	if totalM > 0 {
		confidence = weighted / totalM
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return models.MatchOutcome{
		Success:        true,
		Status:         models.StatusMatched,
		Geometry:       geometry,
		RoadKm:         totalM / 1000.0,
		Confidence:     confidence,
		GeometryPoints: len(geometry),
	}
}

// requestURL builds /match/v1/driving/{lon,lat;...} with timestamp and
// radius hints for every point.
func (c *Client) requestURL(points []models.GpsPoint) string {
	var coords, stamps, radii strings.Builder
	for i, p := range points {
		if i > 0 {
			coords.WriteByte(';')
			stamps.WriteByte(';')
			radii.WriteByte(';')
		}
		fmt.Fprintf(&coords, "%.6f,%.6f", p.Lon, p.Lat)
		stamps.WriteString(strconv.FormatInt(p.Timestamp.Unix(), 10))
		radii.WriteString(strconv.FormatFloat(radiusFor(p), 'f', 0, 64))
	}
	q := url.Values{}
	q.Set("timestamps", stamps.String())
	q.Set("radiuses", radii.String())
	q.Set("overview", "full")
	q.Set("geometries", "polyline6")
	return fmt.Sprintf("%s/match/v1/driving/%s?%s", c.Endpoint, coords.String(), q.Encode())
}

func radiusFor(p models.GpsPoint) float64 {
	if p.Accuracy <= 0 {
		return defaultRadiusM
	}
	if p.Accuracy < minRadiusM {
		return minRadiusM
	}
	return p.Accuracy
}

func failure(msg string, transient bool) models.MatchOutcome {
	return models.MatchOutcome{Success: false, Status: models.StatusFailed, Error: msg, Transient: transient}
}
