package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/freight-exchange/internal/model"
)

// HTTPSeller quotes through a remote carrier endpoint. The order is POSTed
// as JSON and the response carries the bid terms.
type HTTPSeller struct {
	id         string
	url        string
	httpClient *http.Client
}

// NewHTTPSeller creates a remote seller. The per-request deadline comes from
// the auction's bid timeout; the client timeout only bounds stuck sockets.
func NewHTTPSeller(id, url string) *HTTPSeller {
	return &HTTPSeller{
		id:  id,
		url: url,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ID returns the seller id the endpoint bids as.
func (s *HTTPSeller) ID() string { return s.id }

type quoteRequest struct {
	AuctionID string      `json:"auction_id"`
	SellerID  string      `json:"seller_id"`
	Order     model.Order `json:"order"`
}

type quoteResponse struct {
	SellerID   string          `json:"seller_id"`
	Price      decimal.Decimal `json:"price"`
	ETAHours   float64         `json:"eta_hours"`
	Confidence float64         `json:"confidence"`
	Narrative  string          `json:"narrative"`
}

// Quote posts the order and decodes the bid. Non-200 responses are errors.
func (s *HTTPSeller) Quote(ctx context.Context, order model.Order, auctionID string) (model.Bid, error) {
	body, err := json.Marshal(quoteRequest{AuctionID: auctionID, SellerID: s.id, Order: order})
	if err != nil {
		return model.Bid{}, fmt.Errorf("marshal quote request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return model.Bid{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return model.Bid{}, fmt.Errorf("quote %s: %w", s.id, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.Bid{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return model.Bid{}, fmt.Errorf("quote %s: status %d: %s", s.id, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var qr quoteResponse
	if err := json.Unmarshal(respBody, &qr); err != nil {
		return model.Bid{}, fmt.Errorf("unmarshal quote: %w", err)
	}
	if qr.SellerID == "" {
		qr.SellerID = s.id
	}
	return model.Bid{
		AuctionID:  auctionID,
		SellerID:   qr.SellerID,
		Price:      qr.Price,
		ETAHours:   qr.ETAHours,
		Confidence: qr.Confidence,
		Narrative:  qr.Narrative,
	}, nil
}

// ParseRemote parses "id=url,id=url" into remote sellers.
func ParseRemote(spec string) ([]*HTTPSeller, error) {
	var out []*HTTPSeller
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, url, ok := strings.Cut(part, "=")
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("carrier: bad remote seller %q, want id=url", part)
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return nil, fmt.Errorf("carrier: remote seller %s url must be http(s), got %q", id, url)
		}
		out = append(out, NewHTTPSeller(strings.TrimSpace(id), strings.TrimSpace(url)))
	}
	return out, nil
}
