package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"github.com/paulmach/orb"
)

// Recipe and render constants shared by the tileset and the static image overlay
const (
	recipeLayerName      = "route_source"
	recipeVersion        = 1
	recipeMinZoom        = 2
	recipeMaxZoom        = 16
	recipeFillZoom       = 7
	recipeSimplification = 0.5

	staticImageWidth   = 1280
	staticImageHeight  = 1280
	staticImagePadding = 50
	staticLineWidth    = 4

	listTilesetsLimit = 500
	maxErrorBody      = 4096
)

// CreateTilesetRequest is the body of the tileset creation call
type CreateTilesetRequest struct {
	Recipe      TilesetRecipe `json:"recipe"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
}

// TilesetRecipe tells the service how to tile the uploaded source
type TilesetRecipe struct {
	Version  int          `json:"version"`
	FillZoom int          `json:"fillzoom"`
	Layers   RecipeLayers `json:"layers"`
}

// RecipeLayers holds the single route layer
type RecipeLayers struct {
	RouteSource RecipeLayer `json:"route_source"`
}

// RecipeLayer maps a tileset source to a vector layer
type RecipeLayer struct {
	Source   string         `json:"source"`
	MinZoom  int            `json:"minzoom"`
	MaxZoom  int            `json:"maxzoom"`
	Features RecipeFeatures `json:"features"`
}

// RecipeFeatures holds feature processing options
type RecipeFeatures struct {
	Simplification float64    `json:"simplification"`
	BBox           [4]float64 `json:"bbox"`
}

// StaticLayer is the overlay added on top of the style in the static image
type StaticLayer struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Source      StaticLayerSource `json:"source"`
	SourceLayer string            `json:"source-layer"`
	Paint       StaticLayerPaint  `json:"paint"`
}

// StaticLayerSource points the overlay at the published tileset
type StaticLayerSource struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// StaticLayerPaint holds the fixed line styling
type StaticLayerPaint struct {
	LineColor string `json:"line-color"`
	LineWidth int    `json:"line-width"`
	LineJoin  string `json:"line-join"`
	LineCap   string `json:"line-cap"`
}

type publishResponse struct {
	Message string `json:"message"`
	JobID   string `json:"jobId"`
}

type jobStatusResponse struct {
	ID    string `json:"id"`
	Stage string `json:"stage"`
}

type tilesetSummary struct {
	ID     string    `json:"id"`
	Center []float64 `json:"center"`
}

// MapboxClient drives the Tilesets and Static Images APIs.
// Every request waits on the rate limiter of its endpoint class first.
type MapboxClient struct {
	httpClient *http.Client
	cfg        MapboxConfig
	limiters   *EndpointLimiters
	ids        IDGenerator
}

// NewMapboxClient creates a new mapping API client
func NewMapboxClient(cfg MapboxConfig, httpClient *http.Client, limiters *EndpointLimiters, ids IDGenerator) *MapboxClient {
	return &MapboxClient{
		httpClient: httpClient,
		cfg:        cfg,
		limiters:   limiters,
		ids:        ids,
	}
}

// NewHTTPClient builds the HTTP client used for the mapping API
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: timeout,
	}
}

// TilesetRef is the fully qualified tileset id, {user}.{tilesetId}
func (c *MapboxClient) TilesetRef(tilesetID string) string {
	return c.cfg.Username + "." + tilesetID
}

func (c *MapboxClient) tilesetsURL(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("access_token", c.cfg.AccessToken)
	return c.cfg.TilesetsURL + path + "?" + query.Encode()
}

// UploadTilesetSource uploads a GeoJSON document as a new tileset source and returns its id
func (c *MapboxClient) UploadTilesetSource(ctx context.Context, geoJSON []byte) (string, error) {
	id := c.ids.NewID()
	logger := slog.With("source_id", id, "size_bytes", len(geoJSON))
	logger.Debug("uploading tileset source")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s.json"`, id))
	header.Set("Content-Type", "application/json")

	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("failed to create multipart part: %w", err)
	}
	if _, err := part.Write(geoJSON); err != nil {
		return "", fmt.Errorf("failed to write multipart part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart body: %w", err)
	}

	reqURL := c.tilesetsURL(fmt.Sprintf("sources/%s/%s", c.cfg.Username, id), nil)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, &body)
	if err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(ctx, EndpointUpload, req)
	if err != nil {
		return "", fmt.Errorf("failed to upload tileset source: %w", err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return "", newStatusError(ErrUpload, resp)
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	logger.Info("tileset source uploaded", "response", string(respBody))
	return id, nil
}

// CreateTileset creates a tileset whose recipe reads from the given source and returns the new tileset id
func (c *MapboxClient) CreateTileset(ctx context.Context, sourceID string, bound orb.Bound) (string, error) {
	tilesetID := c.ids.NewID()
	logger := slog.With("tileset_id", tilesetID, "source_id", sourceID)

	payload := CreateTilesetRequest{
		Recipe: TilesetRecipe{
			Version:  recipeVersion,
			FillZoom: recipeFillZoom,
			Layers: RecipeLayers{
				RouteSource: RecipeLayer{
					Source:  fmt.Sprintf("mapbox://tileset-source/%s/%s", c.cfg.Username, sourceID),
					MinZoom: recipeMinZoom,
					MaxZoom: recipeMaxZoom,
					Features: RecipeFeatures{
						Simplification: recipeSimplification,
						BBox:           BoundArray(bound),
					},
				},
			},
		},
		Name:        c.cfg.TilesetName,
		Description: c.cfg.TilesetDescription,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tileset recipe: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tilesetsURL(c.TilesetRef(tilesetID), nil), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, EndpointCreate, req)
	if err != nil {
		return "", fmt.Errorf("failed to create tileset: %w", err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return "", newStatusError(ErrCreate, resp)
	}

	logger.Info("tileset created")
	return tilesetID, nil
}

// PublishTileset starts a publish job and returns its id
func (c *MapboxClient) PublishTileset(ctx context.Context, tilesetID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tilesetsURL(c.TilesetRef(tilesetID)+"/publish", nil), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build publish request: %w", err)
	}

	resp, err := c.do(ctx, EndpointPublish, req)
	if err != nil {
		return "", fmt.Errorf("failed to publish tileset: %w", err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return "", newStatusError(ErrPublish, resp)
	}

	var out publishResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: failed to decode publish response: %v", ErrPublish, err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("%w: jobId", ErrMissingField)
	}

	slog.Info("tileset publish started", "tileset_id", tilesetID, "job_id", out.JobID)
	return out.JobID, nil
}

// JobStage returns the current stage of a publish job
func (c *MapboxClient) JobStage(ctx context.Context, tilesetID, jobID string) (string, error) {
	reqURL := c.tilesetsURL(fmt.Sprintf("%s/jobs/%s", c.TilesetRef(tilesetID), jobID), nil)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build job status request: %w", err)
	}

	resp, err := c.do(ctx, EndpointStatus, req)
	if err != nil {
		return "", fmt.Errorf("failed to get job status: %w", err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return "", newStatusError(ErrLookup, resp)
	}

	var out jobStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: failed to decode job status: %v", ErrLookup, err)
	}
	if out.Stage == "" {
		return "", fmt.Errorf("%w: stage", ErrMissingField)
	}

	return out.Stage, nil
}

// TilesetCenter looks the tileset up in the account listing and returns its center.
// A tileset missing from the listing yields an empty center and no error.
func (c *MapboxClient) TilesetCenter(ctx context.Context, tilesetID string) (TilesetCenter, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(listTilesetsLimit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tilesetsURL(c.cfg.Username, query), nil)
	if err != nil {
		return TilesetCenter{}, fmt.Errorf("failed to build tileset list request: %w", err)
	}

	resp, err := c.do(ctx, EndpointList, req)
	if err != nil {
		return TilesetCenter{}, fmt.Errorf("failed to list tilesets: %w", err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return TilesetCenter{}, newStatusError(ErrLookup, resp)
	}

	var tilesets []tilesetSummary
	if err := json.NewDecoder(resp.Body).Decode(&tilesets); err != nil {
		return TilesetCenter{}, fmt.Errorf("%w: failed to decode tileset list: %v", ErrLookup, err)
	}

	ref := c.TilesetRef(tilesetID)
	for _, ts := range tilesets {
		if ts.ID != ref {
			continue
		}

		var center TilesetCenter
		if len(ts.Center) > 0 {
			center.Lon = &ts.Center[0]
		}
		if len(ts.Center) > 1 {
			center.Lat = &ts.Center[1]
		}
		if len(ts.Center) > 2 {
			zoom := int(ts.Center[2])
			center.Zoom = &zoom
		}
		return center, nil
	}

	slog.Debug("tileset not found in listing", "tileset", ref, "listed", len(tilesets))
	return TilesetCenter{}, nil
}

// StaticLayerFor returns the overlay drawing the tileset's route as a line
func (c *MapboxClient) StaticLayerFor(tilesetID string) StaticLayer {
	return StaticLayer{
		ID:   "route-layer",
		Type: "line",
		Source: StaticLayerSource{
			Type: "vector",
			URL:  "mapbox://" + c.TilesetRef(tilesetID),
		},
		SourceLayer: recipeLayerName,
		Paint: StaticLayerPaint{
			LineColor: c.cfg.LineColor,
			LineWidth: staticLineWidth,
			LineJoin:  "round",
			LineCap:   "round",
		},
	}
}

// StaticImage renders the style with the tileset overlaid, framed on the bound
func (c *MapboxClient) StaticImage(ctx context.Context, tilesetID string, bound orb.Bound) ([]byte, error) {
	layer, err := json.Marshal(c.StaticLayerFor(tilesetID))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal static layer: %w", err)
	}

	query := url.Values{}
	query.Set("addlayer", string(layer))
	query.Set("padding", strconv.Itoa(staticImagePadding))
	query.Set("access_token", c.cfg.AccessToken)

	reqURL := fmt.Sprintf("%s%s/%s/static/%s/%dx%d@2x?%s",
		c.cfg.StylesURL, c.cfg.Username, c.cfg.StyleID,
		FormatBoundingBox(bound), staticImageWidth, staticImageHeight,
		query.Encode(),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build static image request: %w", err)
	}

	resp, err := c.do(ctx, EndpointStatic, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get static image: %w", err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, newStatusError(ErrRender, resp)
	}

	image, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read image: %v", ErrRender, err)
	}

	slog.Debug("static image received", "tileset_id", tilesetID, "size_bytes", len(image))
	return image, nil
}

// DeleteTileset removes the tileset. Any 2xx status is a success.
func (c *MapboxClient) DeleteTileset(ctx context.Context, tilesetID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.tilesetsURL(c.TilesetRef(tilesetID), nil), nil)
	if err != nil {
		return fmt.Errorf("failed to build delete request: %w", err)
	}

	resp, err := c.do(ctx, EndpointDelete, req)
	if err != nil {
		return fmt.Errorf("%w: tileset %s: %w", ErrDelete, tilesetID, err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return fmt.Errorf("tileset %s: %w", tilesetID, newStatusError(ErrDelete, resp))
	}

	slog.Info("tileset deleted", "tileset_id", tilesetID)
	return nil
}

// DeleteTilesetSource removes the tileset source. Only 204 No Content is a success.
func (c *MapboxClient) DeleteTilesetSource(ctx context.Context, sourceID string) error {
	reqURL := c.tilesetsURL(fmt.Sprintf("sources/%s/%s", c.cfg.Username, sourceID), nil)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build delete request: %w", err)
	}

	resp, err := c.do(ctx, EndpointDelete, req)
	if err != nil {
		return fmt.Errorf("%w: tileset source %s: %w", ErrDelete, sourceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("tileset source %s: %w", sourceID, newStatusError(ErrDelete, resp))
	}

	slog.Info("tileset source deleted", "source_id", sourceID)
	return nil
}

// do waits for a rate limit slot and sends the request
func (c *MapboxClient) do(ctx context.Context, ep Endpoint, req *http.Request) (*http.Response, error) {
	if err := c.limiters.Acquire(ctx, ep); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	mapboxRequestDuration.WithLabelValues(string(ep)).Observe(time.Since(start).Seconds())
	if err != nil {
		mapboxRequestsTotal.WithLabelValues(string(ep), "error").Inc()
		return nil, err
	}

	mapboxRequestsTotal.WithLabelValues(string(ep), strconv.Itoa(resp.StatusCode)).Inc()
	return resp, nil
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

func newStatusError(kind error, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(bytes.TrimSpace(body)),
	}
}
