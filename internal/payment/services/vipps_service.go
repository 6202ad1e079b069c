package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ms-membership/internal/config"
	"ms-membership/internal/logger"
	"ms-membership/internal/models"

	"github.com/google/uuid"
)

const vippsTokenKey = "vipps:access_token"

// VippsService talks to the Vipps eCom v2 API.
type VippsService struct {
	cfg        config.VippsConfig
	httpClient *http.Client
	tokens     *TokenCache
	log        *logger.Logger
}

type vippsMerchantInfo struct {
	MerchantSerialNumber string `json:"merchantSerialNumber"`
	CallbackPrefix       string `json:"callbackPrefix,omitempty"`
	FallBack             string `json:"fallBack,omitempty"`
	IsApp                bool   `json:"isApp"`
}

type vippsTransaction struct {
	OrderID         string `json:"orderId,omitempty"`
	Amount          int64  `json:"amount"`
	TransactionText string `json:"transactionText"`
}

type vippsInitiateRequest struct {
	MerchantInfo vippsMerchantInfo `json:"merchantInfo"`
	Transaction  vippsTransaction  `json:"transaction"`
}

type vippsInitiateResponse struct {
	OrderID string `json:"orderId"`
	URL     string `json:"url"`
}

type vippsLogEntry struct {
	Amount           int64  `json:"amount"`
	Operation        string `json:"operation"`
	OperationSuccess bool   `json:"operationSuccess"`
	TimeStamp        string `json:"timeStamp"`
	TransactionID    string `json:"transactionId"`
}

type vippsDetailsResponse struct {
	OrderID               string          `json:"orderId"`
	TransactionLogHistory []vippsLogEntry `json:"transactionLogHistory"`
}

type vippsRefundRequest struct {
	MerchantInfo vippsMerchantInfo `json:"merchantInfo"`
	Transaction  vippsTransaction  `json:"transaction"`
}

// NewVippsService builds the client. store may be nil for a process-local token cache.
func NewVippsService(cfg config.VippsConfig, store TokenStore, log *logger.Logger) *VippsService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &VippsService{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
	s.tokens = NewTokenCache(s.fetchAccessToken, store)
	return s
}

func (s *VippsService) Name() string { return "vipps" }

func (s *VippsService) fetchAccessToken(ctx context.Context) (*CachedToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/accesstoken/get", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("client_id", s.cfg.ClientID)
	req.Header.Set("client_secret", s.cfg.ClientSecret)
	req.Header.Set("Ocp-Apim-Subscription-Key", s.cfg.SubscriptionKey)

	var tokenResp models.TokenResponse
	if err := s.do(req, &tokenResp); err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}

	expiresIn, err := strconv.ParseInt(strings.TrimSpace(tokenResp.ExpiresIn), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid expires_in %q", ErrProviderRequest, tokenResp.ExpiresIn)
	}

	s.log.LogPayment(s.Name(), "TOKEN", fmt.Sprintf("Fetched access token valid for %ds", expiresIn))
	return &CachedToken{
		Token:     tokenResp.AccessToken,
		ExpiresAt: time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

func (s *VippsService) Initiate(ctx context.Context, pr PaymentRequest) (*PaymentLink, error) {
	body := vippsInitiateRequest{
		MerchantInfo: vippsMerchantInfo{
			MerchantSerialNumber: s.cfg.MerchantSerialNumber,
			CallbackPrefix:       s.cfg.CallbackPrefix,
			FallBack:             s.cfg.FallbackURL + "/" + pr.OrderID,
		},
		Transaction: vippsTransaction{
			OrderID:         pr.OrderID,
			Amount:          pr.Amount,
			TransactionText: pr.Description,
		},
	}

	var resp vippsInitiateResponse
	if err := s.authorized(ctx, http.MethodPost, "/ecomm/v2/payments", body, &resp); err != nil {
		s.log.Error("PAYMENT", fmt.Sprintf("Vipps initiate failed for order %s: %v", pr.OrderID, err))
		return nil, err
	}

	s.log.LogPayment(s.Name(), "INITIATE", fmt.Sprintf("order %s amount %d", pr.OrderID, pr.Amount))
	return &PaymentLink{URL: resp.URL, ProviderRef: resp.OrderID}, nil
}

// Status returns the latest successful operation in the payment's transaction log.
func (s *VippsService) Status(ctx context.Context, order *models.Order) (models.OrderStatus, error) {
	var details vippsDetailsResponse
	if err := s.authorized(ctx, http.MethodGet, "/ecomm/v2/payments/"+order.OrderID+"/details", nil, &details); err != nil {
		return "", err
	}

	entry, ok := latestSuccessfulOperation(details.TransactionLogHistory)
	if !ok {
		return order.Status, nil
	}
	status, ok := models.ParseOrderStatus(entry.Operation)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedStatus, entry.Operation)
	}
	return status, nil
}

func latestSuccessfulOperation(history []vippsLogEntry) (vippsLogEntry, bool) {
	var (
		latest   vippsLogEntry
		latestAt time.Time
		found    bool
	)
	for _, entry := range history {
		if !entry.OperationSuccess {
			continue
		}
		at, err := time.Parse(time.RFC3339, entry.TimeStamp)
		if !found || (err == nil && at.After(latestAt)) {
			latest, latestAt, found = entry, at, true
		}
	}
	return latest, found
}

func (s *VippsService) Refund(ctx context.Context, order *models.Order) error {
	body := vippsRefundRequest{
		MerchantInfo: vippsMerchantInfo{MerchantSerialNumber: s.cfg.MerchantSerialNumber},
		Transaction: vippsTransaction{
			Amount:          order.Amount,
			TransactionText: "Refund for order " + order.OrderID,
		},
	}
	if err := s.authorized(ctx, http.MethodPost, "/ecomm/v2/payments/"+order.OrderID+"/refund", body, nil); err != nil {
		return err
	}
	s.log.LogPayment(s.Name(), "REFUND", fmt.Sprintf("order %s amount %d", order.OrderID, order.Amount))
	return nil
}

func (s *VippsService) authorized(ctx context.Context, method, path string, body, out interface{}) error {
	token, err := s.tokens.Get(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Ocp-Apim-Subscription-Key", s.cfg.SubscriptionKey)
	req.Header.Set("Merchant-Serial-Number", s.cfg.MerchantSerialNumber)
	req.Header.Set("X-Request-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	err = s.do(req, out)
	if isUnauthorized(err) {
		s.tokens.Invalidate()
	}
	return err
}

type statusError struct {
	code int
}

func (e statusError) Error() string { return strconv.Itoa(e.code) }

func isUnauthorized(err error) bool {
	var se statusError
	return errors.As(err, &se) && se.code == http.StatusUnauthorized
}

func (s *VippsService) do(req *http.Request, out interface{}) error {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrProviderRequest, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, req.URL.Path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s %s returned %d: %s: %w", ErrProviderRequest, req.Method, req.URL.Path,
			resp.StatusCode, excerpt(raw), statusError{code: resp.StatusCode})
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrProviderRequest, req.URL.Path, err)
	}
	return nil
}

func excerpt(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
