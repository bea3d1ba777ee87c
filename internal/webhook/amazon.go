package webhook

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/model"
)

const (
	snsMessageTypeHeader = "x-amz-sns-message-type"

	snsTypeSubscriptionConfirmation = "SubscriptionConfirmation"
	snsTypeNotification             = "Notification"

	// Amazon-specific rejection reasons.
	ReasonMissingSNSType   = "missing sns message type header"
	ReasonUnsupportedType  = "unsupported sns message type"
	ReasonMalformedMessage = "malformed sns message"
	ReasonBadCertURL       = "signing cert url not an amazon endpoint"
	ReasonCertFetchFailed  = "failed to fetch signing certificate"
	ReasonBadCertificate   = "invalid signing certificate"
)

// snsMessage is the subset of an SNS envelope the signature covers.
type snsMessage struct {
	Type             string `json:"Type"`
	MessageID        string `json:"MessageId"`
	TopicArn         string `json:"TopicArn"`
	Subject          string `json:"Subject"`
	Message          string `json:"Message"`
	Timestamp        string `json:"Timestamp"`
	SignatureVersion string `json:"SignatureVersion"`
	Signature        string `json:"Signature"`
	SigningCertURL   string `json:"SigningCertURL"`
	SubscribeURL     string `json:"SubscribeURL"`
	Token            string `json:"Token"`
}

// AmazonVerifier validates SNS envelopes. Subscription confirmations pass
// through as valid (the caller still confirms out of band); notifications
// require the SNS signature chain against Amazon's public certificate.
type AmazonVerifier struct {
	logger *zap.Logger
	client *http.Client
}

// NewAmazonVerifier creates the Amazon SNS verifier. client fetches the
// signing certificate and must carry a timeout.
func NewAmazonVerifier(client *http.Client, logger *zap.Logger) *AmazonVerifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &AmazonVerifier{logger: logger.Named("sns"), client: client}
}

func (v *AmazonVerifier) Marketplace() model.Marketplace {
	return model.MarketplaceAmazon
}

func (v *AmazonVerifier) Verify(ctx context.Context, headers http.Header, body []byte) Result {
	msgType := headers.Get(snsMessageTypeHeader)
	if msgType == "" {
		return invalid(ReasonMissingSNSType)
	}

	var msg snsMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return invalid(ReasonMalformedMessage)
	}

	switch msgType {
	case snsTypeSubscriptionConfirmation:
		return Result{Valid: true, Metadata: map[string]string{
			"action":        "confirm_subscription",
			"subscribe_url": msg.SubscribeURL,
		}}
	case snsTypeNotification:
		return v.verifyNotification(ctx, &msg)
	default:
		return invalid(ReasonUnsupportedType)
	}
}

func (v *AmazonVerifier) verifyNotification(ctx context.Context, msg *snsMessage) Result {
	if msg.Signature == "" || msg.SigningCertURL == "" {
		return invalid(ReasonMalformedMessage)
	}

	if !isAmazonCertURL(msg.SigningCertURL) {
		return invalid(ReasonBadCertURL)
	}

	cert, err := v.fetchCert(ctx, msg.SigningCertURL)
	if err != nil {
		v.logger.Warn("Failed to fetch SNS signing certificate", zap.Error(err))
		return invalid(ReasonCertFetchFailed)
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return invalid(ReasonBadCertificate)
	}

	signature, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return invalid(ReasonMalformedSig)
	}

	digest := sha1.Sum(canonicalString(msg))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], signature); err != nil {
		return invalid(ReasonSignatureMismatch)
	}

	return Result{Valid: true, Metadata: map[string]string{"message_id": msg.MessageID}}
}

func (v *AmazonVerifier) fetchCert(ctx context.Context, certURL string) (*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("certificate fetch returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in certificate response")
	}
	return x509.ParseCertificate(block.Bytes)
}

// canonicalString builds the newline-delimited key/value string SNS signs
// for Notification messages.
func canonicalString(msg *snsMessage) []byte {
	var b strings.Builder
	b.WriteString("Message\n")
	b.WriteString(msg.Message)
	b.WriteString("\nMessageId\n")
	b.WriteString(msg.MessageID)
	b.WriteString("\n")
	if msg.Subject != "" {
		b.WriteString("Subject\n")
		b.WriteString(msg.Subject)
		b.WriteString("\n")
	}
	b.WriteString("Timestamp\n")
	b.WriteString(msg.Timestamp)
	b.WriteString("\nTopicArn\n")
	b.WriteString(msg.TopicArn)
	b.WriteString("\nType\n")
	b.WriteString(msg.Type)
	b.WriteString("\n")
	return []byte(b.String())
}

func isAmazonCertURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "https" {
		return false
	}
	return strings.HasSuffix(u.Host, ".amazonaws.com")
}
