// Package royalmailhttp adapts the Royal Mail shipping/tracking APIs to the
// carrier.Client contract. Unlike UPS it authenticates with static API-key
// headers and returns a hosted label URL instead of inline label data. Royal
// Mail does not dedup on a client key, so the idempotency key only travels
// as a shipment reference for correlation.
package royalmailhttp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/ShipBox/internal/integrations/carrier"
	"github.com/BearBump/ShipBox/internal/models"
	"github.com/pkg/errors"
)

const (
	defaultShipPath  = "/shipping/v3/shipments"
	defaultTrackPath = "/mailpieces/v2"
)

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string

	ShipPath  string
	TrackPath string

	Timeout time.Duration
}

type Client struct {
	cfg   Config
	httpc *http.Client
}

func New(cfg Config) *Client {
	if cfg.ShipPath == "" {
		cfg.ShipPath = defaultShipPath
	}
	if cfg.TrackPath == "" {
		cfg.TrackPath = defaultTrackPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:   cfg,
		httpc: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) Name() string {
	return models.CarrierRoyalMail
}

func (c *Client) setAuth(req *http.Request) {
	req.Header.Set("X-IBM-Client-Id", c.cfg.ClientID)
	req.Header.Set("X-IBM-Client-Secret", c.cfg.ClientSecret)
}

type createRequest struct {
	ShipmentReference string `json:"shipmentReference"`
	Destination       struct {
		RecipientName string   `json:"recipientName"`
		AddressLines  []string `json:"addressLines"`
		Town          string   `json:"town"`
		PostCode      string   `json:"postCode"`
		CountryCode   string   `json:"countryCode"`
	} `json:"destination"`
	Package struct {
		WeightGrams int     `json:"weightGrams"`
		LengthCM    float64 `json:"lengthCm"`
		WidthCM     float64 `json:"widthCm"`
		HeightCM    float64 `json:"heightCm"`
	} `json:"package"`
}

type createResponse struct {
	ShipmentID     string `json:"shipmentId"`
	TrackingNumber string `json:"trackingNumber"`
	Label          struct {
		URL string `json:"url"`
	} `json:"label"`
}

func (c *Client) CreateShipment(ctx context.Context, in carrier.CreateShipmentInput) (carrier.CreateShipmentResult, error) {
	pkg := in.Package.WithDefaults()

	var payload createRequest
	payload.ShipmentReference = in.IdempotencyKey
	payload.Destination.RecipientName = in.Recipient.Name
	payload.Destination.AddressLines = []string{in.Recipient.AddressLine1}
	if in.Recipient.AddressLine2 != "" {
		payload.Destination.AddressLines = append(payload.Destination.AddressLines, in.Recipient.AddressLine2)
	}
	payload.Destination.Town = in.Recipient.City
	payload.Destination.PostCode = in.Recipient.PostalCode
	payload.Destination.CountryCode = in.Recipient.Country
	payload.Package.WeightGrams = int(pkg.WeightKG * 1000)
	payload.Package.LengthCM = pkg.LengthCM
	payload.Package.WidthCM = pkg.WidthCM
	payload.Package.HeightCM = pkg.HeightCM

	b, err := json.Marshal(payload)
	if err != nil {
		return carrier.CreateShipmentResult{}, errors.Wrap(err, "marshal create request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+c.cfg.ShipPath, strings.NewReader(string(b)))
	if err != nil {
		return carrier.CreateShipmentResult{}, errors.Wrap(err, "new create request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.CreateShipmentResult{}, carrier.NewTransportError(c.Name(), "create shipment", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return carrier.CreateShipmentResult{}, &carrier.AuthError{
			Carrier: c.Name(), StatusCode: resp.StatusCode, Body: string(body),
		}
	}
	if resp.StatusCode/100 != 2 {
		return carrier.CreateShipmentResult{}, carrier.NewHTTPError(c.Name(), "create shipment", resp.StatusCode, string(body))
	}

	var cr createResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return carrier.CreateShipmentResult{}, errors.Wrap(err, "decode create response")
	}
	if cr.TrackingNumber == "" {
		return carrier.CreateShipmentResult{}, carrier.NewHTTPError(c.Name(), "create shipment", resp.StatusCode, "no tracking number in response")
	}
	return carrier.CreateShipmentResult{
		CarrierShipmentID: cr.ShipmentID,
		TrackingNumber:    cr.TrackingNumber,
		LabelImageURL:     cr.Label.URL,
	}, nil
}

type trackResponse struct {
	MailPieces struct {
		Summary struct {
			StatusCategory    string `json:"statusCategory"`
			StatusDescription string `json:"statusDescription"`
		} `json:"summary"`
		Events []struct {
			EventName     string `json:"eventName"`
			LocationName  string `json:"locationName"`
			EventDateTime string `json:"eventDateTime"`
		} `json:"events"`
	} `json:"mailPieces"`
}

func (c *Client) GetTrackingStatus(ctx context.Context, trackingNumber string) (carrier.TrackingStatus, error) {
	u := c.cfg.BaseURL + c.cfg.TrackPath + "/" + url.PathEscape(trackingNumber) + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return carrier.TrackingStatus{}, errors.Wrap(err, "new track request")
	}
	c.setAuth(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.TrackingStatus{}, carrier.NewTransportError(c.Name(), "get tracking", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return carrier.TrackingStatus{}, &carrier.AuthError{
			Carrier: c.Name(), StatusCode: resp.StatusCode, Body: string(body),
		}
	}
	if resp.StatusCode/100 != 2 {
		return carrier.TrackingStatus{}, carrier.NewHTTPError(c.Name(), "get tracking", resp.StatusCode, string(body))
	}

	var tr trackResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return carrier.TrackingStatus{}, errors.Wrap(err, "decode track response")
	}
	return normalizeTrack(tr), nil
}

func normalizeTrack(tr trackResponse) carrier.TrackingStatus {
	out := carrier.TrackingStatus{Status: carrier.TrackingUnknown}

	switch strings.ToUpper(tr.MailPieces.Summary.StatusCategory) {
	case "DELIVERED":
		out.Status = carrier.TrackingDelivered
	case "IN TRANSIT", "INTRANSIT", "COLLECTED":
		out.Status = carrier.TrackingInTransit
	case "ACCEPTED", "LABEL CREATED":
		out.Status = carrier.TrackingCreated
	}

	out.LastKnownEvent = tr.MailPieces.Summary.StatusDescription
	if len(tr.MailPieces.Events) > 0 {
		latest := tr.MailPieces.Events[0]
		if latest.EventName != "" {
			out.LastKnownEvent = latest.EventName
			if latest.LocationName != "" {
				out.LastKnownEvent += " - " + latest.LocationName
			}
		}
	}
	return out
}
