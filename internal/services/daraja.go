package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DarajaService talks to the Safaricom Daraja API: STK push initiation and
// the synchronous status query. It holds no state beyond credentials; retry
// decisions belong to the caller.
type DarajaService struct {
	consumerKey    string
	consumerSecret string
	shortCode      string
	passkey        string
	baseURL        string
	callbackURL    string
	httpClient     *http.Client
}

func NewDarajaService() *DarajaService {
	baseURL := os.Getenv("DARAJA_BASE_URL")
	if baseURL == "" {
		baseURL = "https://sandbox.safaricom.co.ke"
	}

	return &DarajaService{
		consumerKey:    os.Getenv("DARAJA_CONSUMER_KEY"),
		consumerSecret: os.Getenv("DARAJA_CONSUMER_SECRET"),
		shortCode:      os.Getenv("MPESA_SHORTCODE"),
		passkey:        os.Getenv("MPESA_PASSKEY"),
		baseURL:        baseURL,
		callbackURL:    os.Getenv("CALLBACK_URL"),
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}
}

type accessTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// STKQueryResponse carries the provider's view of a checkout request.
// ResultCode "0" is confirmed success, "1032" user cancellation, any other
// non-zero value a failure.
type STKQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

type darajaErrorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// getAccessToken fetches a client-credentials OAuth token. Daraja tokens are
// short lived, so one is fetched per operation rather than cached.
func (s *DarajaService) getAccessToken(ctx context.Context) (string, error) {
	url := s.baseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %v", err)
	}
	req.SetBasicAuth(s.consumerKey, s.consumerSecret)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", &GatewayError{Kind: ErrKindUnreachable, Message: fmt.Sprintf("token request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", &GatewayError{Kind: ErrKindInvalidCredentials, Message: "Daraja rejected the consumer credentials"}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", &GatewayError{Kind: ErrKindRejected, Message: fmt.Sprintf("token request failed with status %d: %s", resp.StatusCode, string(body))}
	}

	var token accessTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", &GatewayError{Kind: ErrKindMalformed, Message: fmt.Sprintf("failed to decode token response: %v", err)}
	}
	if token.AccessToken == "" {
		return "", &GatewayError{Kind: ErrKindMalformed, Message: "token response had no access_token"}
	}
	return token.AccessToken, nil
}

// password builds the Lipa Na M-Pesa password for the given moment.
func (s *DarajaService) password(t time.Time) (string, string) {
	timestamp := t.Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(s.shortCode + s.passkey + timestamp))
	return password, timestamp
}

// InitiateSTKPush sends the payment prompt to the payer's phone and returns
// the correlation ids Safaricom assigned to the attempt.
func (s *DarajaService) InitiateSTKPush(ctx context.Context, phoneNumber string, amount float64, accountReference, description string) (*STKPushResponse, error) {
	token, err := s.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	password, timestamp := s.password(time.Now())
	pushReq := stkPushRequest{
		BusinessShortCode: s.shortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            decimal.NewFromFloat(amount).String(),
		PartyA:            phoneNumber,
		PartyB:            s.shortCode,
		PhoneNumber:       phoneNumber,
		CallBackURL:       s.callbackURL,
		AccountReference:  accountReference,
		TransactionDesc:   description,
	}

	reqBody, err := json.Marshal(pushReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal STK push request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create STK push request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &GatewayError{Kind: ErrKindUnreachable, Message: fmt.Sprintf("STK push request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.mapErrorResponse(resp, "STK push")
	}

	var pushResp STKPushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		return nil, &GatewayError{Kind: ErrKindMalformed, Message: fmt.Sprintf("failed to decode STK push response: %v", err)}
	}
	if pushResp.ResponseCode != "0" {
		return nil, &GatewayError{Kind: ErrKindRejected, Message: fmt.Sprintf("STK push rejected: %s", pushResp.ResponseDescription)}
	}

	logrus.WithFields(logrus.Fields{
		"merchant_request_id": pushResp.MerchantRequestID,
		"checkout_request_id": pushResp.CheckoutRequestID,
	}).Info("STK push accepted")

	return &pushResp, nil
}

// QueryStatus asks Daraja for the outcome of a checkout request. A NOT_FOUND
// gateway error means Safaricom has no result for it yet; that is distinct
// from the provider being unreachable.
func (s *DarajaService) QueryStatus(ctx context.Context, checkoutRequestID string) (*STKQueryResponse, error) {
	token, err := s.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	password, timestamp := s.password(time.Now())
	queryReq := stkQueryRequest{
		BusinessShortCode: s.shortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	reqBody, err := json.Marshal(queryReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal STK query request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/mpesa/stkpushquery/v1/query", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create STK query request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &GatewayError{Kind: ErrKindUnreachable, Message: fmt.Sprintf("STK query request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.mapErrorResponse(resp, "STK query")
	}

	var queryResp STKQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&queryResp); err != nil {
		return nil, &GatewayError{Kind: ErrKindMalformed, Message: fmt.Sprintf("failed to decode STK query response: %v", err)}
	}
	return &queryResp, nil
}

func (s *DarajaService) mapErrorResponse(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(resp.Body)

	var darajaErr darajaErrorResponse
	if err := json.Unmarshal(body, &darajaErr); err == nil && darajaErr.ErrorCode != "" {
		// 500.001.1001 is "the transaction is being processed": Daraja has no
		// result for the checkout request yet.
		if darajaErr.ErrorCode == "500.001.1001" {
			return &GatewayError{Kind: ErrKindNotFound, Message: darajaErr.ErrorMessage}
		}
		return &GatewayError{Kind: ErrKindRejected, Message: fmt.Sprintf("%s failed: %s (%s)", operation, darajaErr.ErrorMessage, darajaErr.ErrorCode)}
	}
	return &GatewayError{Kind: ErrKindRejected, Message: fmt.Sprintf("%s failed with status %d: %s", operation, resp.StatusCode, string(body))}
}
