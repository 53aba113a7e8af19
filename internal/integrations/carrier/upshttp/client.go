// Package upshttp adapts the UPS REST APIs (OAuth client-credentials,
// Shipping, Tracking) to the carrier.Client contract. Endpoint paths and
// payload shapes live only here; the published UPS API reference is
// authoritative for them and they are config-overridable.
package upshttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/ShipBox/internal/integrations/carrier"
	"github.com/BearBump/ShipBox/internal/integrations/carrier/oauth"
	"github.com/BearBump/ShipBox/internal/models"
	"github.com/pkg/errors"
)

const (
	defaultTokenPath = "/security/v1/oauth/token"
	defaultShipPath  = "/api/shipments/v1/ship"
	defaultTrackPath = "/api/track/v1/details"

	transactionSrc = "shipbox"
)

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string

	// Shipper block attached to every outbound shipment.
	ShipperNumber      string
	ShipperName        string
	ShipperAddressLine string
	ShipperCity        string
	ShipperPostalCode  string
	ShipperCountry     string

	// Optional path overrides for CIE vs production hosts.
	TokenPath string
	ShipPath  string
	TrackPath string

	Timeout time.Duration
}

type Client struct {
	cfg    Config
	httpc  *http.Client
	tokens *oauth.Cache
}

func New(cfg Config) *Client {
	if cfg.TokenPath == "" {
		cfg.TokenPath = defaultTokenPath
	}
	if cfg.ShipPath == "" {
		cfg.ShipPath = defaultShipPath
	}
	if cfg.TrackPath == "" {
		cfg.TrackPath = defaultTrackPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		cfg:   cfg,
		httpc: &http.Client{Timeout: cfg.Timeout},
	}
	c.tokens = oauth.NewCache(c.exchangeToken, oauth.DefaultSafetyMargin)
	return c
}

func (c *Client) Name() string {
	return models.CarrierUPS
}

// exchangeToken performs one client-credentials grant. Credentials travel as
// basic auth, the body carries only grant_type.
func (c *Client) exchangeToken(ctx context.Context) (oauth.Token, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+c.cfg.TokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return oauth.Token{}, errors.Wrap(err, "new token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return oauth.Token{}, carrier.NewTransportError(c.Name(), "token", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	if resp.StatusCode/100 != 2 {
		return oauth.Token{}, &carrier.AuthError{
			Carrier:    c.Name(),
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		// UPS returns expires_in as a string of seconds.
		ExpiresIn json.Number `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return oauth.Token{}, errors.Wrap(err, "decode token response")
	}
	if tr.AccessToken == "" {
		return oauth.Token{}, &carrier.AuthError{Carrier: c.Name(), StatusCode: resp.StatusCode, Body: "empty access_token"}
	}
	ttl, err := tr.ExpiresIn.Int64()
	if err != nil || ttl <= 0 {
		ttl = 3600
	}
	return oauth.Token{
		Value:     tr.AccessToken,
		ExpiresAt: time.Now().UTC().Add(time.Duration(ttl) * time.Second),
	}, nil
}

// doAuthorized sends the request with a bearer token. A 401 on a token the
// cache believed valid invalidates the cache and retries the auth+call
// sequence exactly once.
func (c *Client) doAuthorized(ctx context.Context, op string, build func(token string) (*http.Request, error)) (*http.Response, []byte, error) {
	force := false
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := c.tokens.Token(ctx, force)
		if err != nil {
			return nil, nil, err
		}
		req, err := build(tok.Value)
		if err != nil {
			return nil, nil, err
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, nil, carrier.NewTransportError(c.Name(), op, err)
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, nil, carrier.NewTransportError(c.Name(), op, readErr)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			force = true
			continue
		}
		return resp, body, nil
	}
	// Unreachable: the loop always returns on the second pass.
	return nil, nil, errors.New("authorized request loop exited")
}

type shipmentRequest struct {
	ShipmentRequest struct {
		Request struct {
			RequestOption        string `json:"RequestOption"`
			TransactionReference struct {
				CustomerContext string `json:"CustomerContext"`
			} `json:"TransactionReference"`
		} `json:"Request"`
		Shipment struct {
			Shipper            upsParty         `json:"Shipper"`
			ShipTo             upsParty         `json:"ShipTo"`
			PaymentInformation upsPayment       `json:"PaymentInformation"`
			Service            upsCode          `json:"Service"`
			Package            []upsPackage     `json:"Package"`
			LabelSpecification upsLabelSpec     `json:"LabelSpecification"`
		} `json:"Shipment"`
	} `json:"ShipmentRequest"`
}

type upsAddress struct {
	AddressLine []string `json:"AddressLine"`
	City        string   `json:"City"`
	PostalCode  string   `json:"PostalCode"`
	CountryCode string   `json:"CountryCode"`
}

type upsParty struct {
	Name          string     `json:"Name"`
	AttentionName string     `json:"AttentionName,omitempty"`
	ShipperNumber string     `json:"ShipperNumber,omitempty"`
	Address       upsAddress `json:"Address"`
}

type upsPayment struct {
	ShipmentCharge struct {
		Type        string `json:"Type"`
		BillShipper struct {
			AccountNumber string `json:"AccountNumber"`
		} `json:"BillShipper"`
	} `json:"ShipmentCharge"`
}

type upsCode struct {
	Code string `json:"Code"`
}

type upsMeasurement struct {
	UnitOfMeasurement upsCode `json:"UnitOfMeasurement"`
	Weight            string  `json:"Weight,omitempty"`
	Length            string  `json:"Length,omitempty"`
	Width             string  `json:"Width,omitempty"`
	Height            string  `json:"Height,omitempty"`
}

type upsPackage struct {
	Packaging     upsCode        `json:"Packaging"`
	Dimensions    upsMeasurement `json:"Dimensions"`
	PackageWeight upsMeasurement `json:"PackageWeight"`
}

type upsLabelSpec struct {
	LabelImageFormat upsCode `json:"LabelImageFormat"`
}

type shipmentResponse struct {
	ShipmentResponse struct {
		ShipmentResults struct {
			ShipmentIdentificationNumber string `json:"ShipmentIdentificationNumber"`
			PackageResults               []struct {
				TrackingNumber string `json:"TrackingNumber"`
				ShippingLabel  struct {
					GraphicImage string `json:"GraphicImage"`
				} `json:"ShippingLabel"`
			} `json:"PackageResults"`
		} `json:"ShipmentResults"`
	} `json:"ShipmentResponse"`
}

func (c *Client) CreateShipment(ctx context.Context, in carrier.CreateShipmentInput) (carrier.CreateShipmentResult, error) {
	pkg := in.Package.WithDefaults()

	var payload shipmentRequest
	payload.ShipmentRequest.Request.RequestOption = "nonvalidate"
	payload.ShipmentRequest.Request.TransactionReference.CustomerContext = in.IdempotencyKey

	sh := &payload.ShipmentRequest.Shipment
	sh.Shipper = upsParty{
		Name:          c.cfg.ShipperName,
		ShipperNumber: c.cfg.ShipperNumber,
		Address: upsAddress{
			AddressLine: []string{c.cfg.ShipperAddressLine},
			City:        c.cfg.ShipperCity,
			PostalCode:  c.cfg.ShipperPostalCode,
			CountryCode: c.cfg.ShipperCountry,
		},
	}
	lines := []string{in.Recipient.AddressLine1}
	if in.Recipient.AddressLine2 != "" {
		lines = append(lines, in.Recipient.AddressLine2)
	}
	sh.ShipTo = upsParty{
		Name:          in.Recipient.Name,
		AttentionName: in.Recipient.Name,
		Address: upsAddress{
			AddressLine: lines,
			City:        in.Recipient.City,
			PostalCode:  in.Recipient.PostalCode,
			CountryCode: in.Recipient.Country,
		},
	}
	sh.PaymentInformation.ShipmentCharge.Type = "01" // bill shipper
	sh.PaymentInformation.ShipmentCharge.BillShipper.AccountNumber = c.cfg.ShipperNumber
	sh.Service = upsCode{Code: "03"} // UPS Ground
	sh.Package = []upsPackage{{
		Packaging: upsCode{Code: "02"},
		Dimensions: upsMeasurement{
			UnitOfMeasurement: upsCode{Code: "CM"},
			Length:            formatDim(pkg.LengthCM),
			Width:             formatDim(pkg.WidthCM),
			Height:            formatDim(pkg.HeightCM),
		},
		PackageWeight: upsMeasurement{
			UnitOfMeasurement: upsCode{Code: "KGS"},
			Weight:            formatDim(pkg.WeightKG),
		},
	}}
	sh.LabelSpecification.LabelImageFormat = upsCode{Code: "GIF"}

	b, err := json.Marshal(payload)
	if err != nil {
		return carrier.CreateShipmentResult{}, errors.Wrap(err, "marshal shipment request")
	}

	resp, body, err := c.doAuthorized(ctx, "create shipment", func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.cfg.BaseURL+c.cfg.ShipPath, strings.NewReader(string(b)))
		if err != nil {
			return nil, errors.Wrap(err, "new ship request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("transId", in.IdempotencyKey)
		req.Header.Set("transactionSrc", transactionSrc)
		return req, nil
	})
	if err != nil {
		return carrier.CreateShipmentResult{}, err
	}
	if resp.StatusCode/100 != 2 {
		return carrier.CreateShipmentResult{}, carrier.NewHTTPError(c.Name(), "create shipment", resp.StatusCode, string(body))
	}

	var sr shipmentResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return carrier.CreateShipmentResult{}, errors.Wrap(err, "decode shipment response")
	}
	results := sr.ShipmentResponse.ShipmentResults
	if len(results.PackageResults) == 0 {
		return carrier.CreateShipmentResult{}, carrier.NewHTTPError(c.Name(), "create shipment", resp.StatusCode, "no package results")
	}
	tracking := results.PackageResults[0].TrackingNumber
	carrierID := results.ShipmentIdentificationNumber
	if carrierID == "" {
		carrierID = tracking
	}
	return carrier.CreateShipmentResult{
		CarrierShipmentID: carrierID,
		TrackingNumber:    tracking,
		// UPS returns the label inline, base64 encoded; there is no hosted URL.
		LabelData: results.PackageResults[0].ShippingLabel.GraphicImage,
	}, nil
}

type trackResponse struct {
	TrackResponse struct {
		Shipment []struct {
			Package []struct {
				Activity []struct {
					Status struct {
						Type        string `json:"type"`
						Description string `json:"description"`
					} `json:"status"`
					Location struct {
						Address struct {
							City        string `json:"city"`
							CountryCode string `json:"countryCode"`
						} `json:"address"`
					} `json:"location"`
				} `json:"activity"`
			} `json:"package"`
		} `json:"shipment"`
	} `json:"trackResponse"`
}

func (c *Client) GetTrackingStatus(ctx context.Context, trackingNumber string) (carrier.TrackingStatus, error) {
	resp, body, err := c.doAuthorized(ctx, "get tracking", func(token string) (*http.Request, error) {
		u := c.cfg.BaseURL + c.cfg.TrackPath + "/" + url.PathEscape(trackingNumber)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, errors.Wrap(err, "new track request")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("transId", trackingNumber)
		req.Header.Set("transactionSrc", transactionSrc)
		return req, nil
	})
	if err != nil {
		return carrier.TrackingStatus{}, err
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

// normalizeTrack flattens the deeply nested activity list to a single
// {status, last event} pair. The first activity entry is the most recent.
func normalizeTrack(tr trackResponse) carrier.TrackingStatus {
	out := carrier.TrackingStatus{Status: carrier.TrackingUnknown}

	shipments := tr.TrackResponse.Shipment
	if len(shipments) == 0 || len(shipments[0].Package) == 0 {
		return out
	}
	activities := shipments[0].Package[0].Activity
	if len(activities) == 0 {
		return out
	}
	latest := activities[0]

	switch strings.ToUpper(latest.Status.Type) {
	case "D":
		out.Status = carrier.TrackingDelivered
	case "I", "P", "O", "X":
		out.Status = carrier.TrackingInTransit
	case "M":
		out.Status = carrier.TrackingCreated
	}

	out.LastKnownEvent = latest.Status.Description
	if city := latest.Location.Address.City; city != "" {
		out.LastKnownEvent = fmt.Sprintf("%s - %s, %s",
			latest.Status.Description, city, latest.Location.Address.CountryCode)
	}
	return out
}

func formatDim(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
