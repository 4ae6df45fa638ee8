package lookup

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/machinebox/graphql"
	"go.uber.org/zap"

	"github.com/example/ekko-capture/internal/logging"
)

const decodePlateQuery = `query decodePlate($plate: String!, $country: String!) {
  decodePlate(plate: $plate, country: $country) {
    id
    vin
    make
    model
    engineFuelType
    urlVehicleImage
    year_of_first_circulation
  }
}`

// TokenSource supplies the bearer token forwarded to the backend.
type TokenSource func(ctx context.Context) string

// GraphQLDecoder calls the backend decodePlate query.
type GraphQLDecoder struct {
	client *graphql.Client
	token  TokenSource
	logger *zap.Logger
}

// NewGraphQLDecoder builds a decoder. A nil httpClient gets a 10s timeout client.
func NewGraphQLDecoder(endpoint string, httpClient *http.Client, token TokenSource, logger *zap.Logger) *GraphQLDecoder {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	named := logger.Named("plate_decoder")
	client := graphql.NewClient(endpoint, graphql.WithHTTPClient(httpClient))
	client.Log = func(s string) { named.Debug(s) }
	return &GraphQLDecoder{client: client, token: token, logger: named}
}

type graphQLVehicle struct {
	ID             string          `json:"id"`
	VIN            string          `json:"vin"`
	Make           string          `json:"make"`
	Model          string          `json:"model"`
	EngineFuelType string          `json:"engineFuelType"`
	URLVehicle     string          `json:"urlVehicleImage"`
	Year           json.RawMessage `json:"year_of_first_circulation"`
}

type decodePlateResponse struct {
	DecodePlate []graphQLVehicle `json:"decodePlate"`
}

// Decode implements PlateDecoder.
func (d *GraphQLDecoder) Decode(ctx context.Context, plate, country string) (*VehicleDescriptor, error) {
	req := graphql.NewRequest(decodePlateQuery)
	req.Var("plate", plate)
	req.Var("country", country)
	if d.token != nil {
		if tok := d.token(ctx); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	var resp decodePlateResponse
	if err := d.client.Run(ctx, req, &resp); err != nil {
		wrapped := logging.NewOperationError("lookup.decode_plate", "", err)
		d.logger.Error("decodePlate failed", zap.String("plate", plate), zap.Error(wrapped))
		return nil, wrapped
	}
	if len(resp.DecodePlate) == 0 {
		return nil, nil
	}
	v := resp.DecodePlate[0]
	return &VehicleDescriptor{
		ID:       v.ID,
		VIN:      v.VIN,
		Make:     v.Make,
		Model:    v.Model,
		FuelType: v.EngineFuelType,
		ImageURL: PNGImageURL(v.URLVehicle),
		Year:     yearString(v.Year),
	}, nil
}

// yearString accepts the year as a JSON string or number; absent values read "N/A".
func yearString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return "N/A"
	}
	if unq, err := strconv.Unquote(s); err == nil {
		if unq == "" {
			return "N/A"
		}
		return unq
	}
	return s
}
