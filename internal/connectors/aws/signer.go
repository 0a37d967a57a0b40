package aws

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// ServiceExecuteAPI is the signing name for API Gateway endpoints.
const ServiceExecuteAPI = "execute-api"

// SigningTransport signs each request with SigV4 before handing it to Base.
type SigningTransport struct {
	Base        http.RoundTripper
	Credentials aws.CredentialsProvider
	Region      string
	Service     string

	signer *v4.Signer
	now    func() time.Time
}

// NewSigningTransport signs for service in cfg's region. A nil base uses
// http.DefaultTransport.
func NewSigningTransport(base http.RoundTripper, cfg aws.Config, service string) *SigningTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &SigningTransport{
		Base:        base,
		Credentials: cfg.Credentials,
		Region:      cfg.Region,
		Service:     service,
		signer:      v4.NewSigner(),
		now:         time.Now,
	}
}

func (t *SigningTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("aws sign: read body: %w", err)
		}
	}
	sum := sha256.Sum256(body)

	creds, err := t.Credentials.Retrieve(req.Context())
	if err != nil {
		return nil, fmt.Errorf("aws sign: retrieve credentials: %w", err)
	}

	// RoundTrippers must not modify the caller's request.
	signed := req.Clone(req.Context())
	signed.Body = io.NopCloser(bytes.NewReader(body))
	signed.ContentLength = int64(len(body))
	if err := t.signer.SignHTTP(req.Context(), creds, signed, hex.EncodeToString(sum[:]), t.Service, t.Region, t.now()); err != nil {
		return nil, fmt.Errorf("aws sign: %w", err)
	}
	return t.Base.RoundTrip(signed)
}
