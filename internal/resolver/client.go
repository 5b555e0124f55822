package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/veil-vest/veil-vest/internal/vesting"
)

type ClientOption func(*Client) error

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// Client resolves through a remote attestation service.
type Client struct {
	baseURL      *url.URL
	authToken    string
	hc           *http.Client
	maxRespBytes int64
}

var _ Resolver = (*Client)(nil)

func NewClient(baseURL string, authToken string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidConfig)
	}

	c := &Client{
		baseURL:      u,
		authToken:    authToken,
		hc:           &http.Client{Timeout: 30 * time.Second},
		maxRespBytes: 1 << 20, // 1 MiB
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Resolve maps transport failures and 5xx responses to ErrUnavailable and a stale_schedule error body
// to ErrStaleSchedule.
func (c *Client) Resolve(ctx context.Context, record vesting.Record, asOf time.Time) (Resolution, error) {
	u := *c.baseURL
	u.Path = joinPath(u.Path, "/v1/resolve")

	b, err := json.Marshal(requestFromRecord(record, asOf))
	if err != nil {
		return Resolution{}, fmt.Errorf("resolver: marshal request: %w", err)
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return Resolution{}, fmt.Errorf("resolver: build request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		r.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		if ctx.Err() != nil {
			return Resolution{}, ctx.Err()
		}
		return Resolution{}, fmt.Errorf("%w: http do: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		} else {
			var er struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(body, &er) == nil && er.Error != "" {
				msg = er.Error
			}
		}
		if msg == codeStaleSchedule {
			return Resolution{}, ErrStaleSchedule
		}
		return Resolution{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, msg)
	}

	var out ResolveResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Resolution{}, fmt.Errorf("%w: unmarshal response: %v", ErrUnavailable, err)
	}
	res, err := resolutionFromResponse(out)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if res.VestingID != record.VestingID || res.Beneficiary != record.Beneficiary {
		return Resolution{}, fmt.Errorf("%w: response for a different vesting", ErrUnavailable)
	}
	return res, nil
}

func requestFromRecord(r vesting.Record, asOf time.Time) ResolveRequest {
	return ResolveRequest{
		VestingID:      r.VestingID,
		Beneficiary:    r.Beneficiary.Hex(),
		TotalAmount:    intString(r.TotalAmount),
		ClaimedAmount:  intString(r.ClaimedAmount),
		StartTime:      r.StartTime.Unix(),
		CliffSeconds:   int64(r.CliffDuration / time.Second),
		VestingSeconds: int64(r.VestingDuration / time.Second),
		Tranches:       r.Tranches,
		Status:         r.Status.String(),
		AsOf:           asOf.Unix(),
	}
}

func recordFromRequest(req ResolveRequest) (vesting.Record, time.Time, error) {
	if !common.IsHexAddress(req.Beneficiary) {
		return vesting.Record{}, time.Time{}, fmt.Errorf("invalid beneficiary")
	}
	total, ok := new(big.Int).SetString(req.TotalAmount, 10)
	if !ok {
		return vesting.Record{}, time.Time{}, fmt.Errorf("invalid total_amount")
	}
	claimed, ok := new(big.Int).SetString(req.ClaimedAmount, 10)
	if !ok {
		return vesting.Record{}, time.Time{}, fmt.Errorf("invalid claimed_amount")
	}
	status, err := vesting.ParseStatus(req.Status)
	if err != nil {
		return vesting.Record{}, time.Time{}, err
	}
	rec := vesting.Record{
		VestingID:       req.VestingID,
		Beneficiary:     common.HexToAddress(req.Beneficiary),
		TotalAmount:     total,
		ClaimedAmount:   claimed,
		StartTime:       time.Unix(req.StartTime, 0).UTC(),
		CliffDuration:   time.Duration(req.CliffSeconds) * time.Second,
		VestingDuration: time.Duration(req.VestingSeconds) * time.Second,
		Tranches:        req.Tranches,
		Status:          status,
	}
	if err := rec.Validate(); err != nil {
		return vesting.Record{}, time.Time{}, err
	}
	return rec, time.Unix(req.AsOf, 0).UTC(), nil
}

func responseFromResolution(res Resolution) ResolveResponse {
	out := ResolveResponse{
		VestingID:   res.VestingID,
		Beneficiary: res.Beneficiary.Hex(),
		AsOf:        res.AsOf.Unix(),
		Claimable:   intString(res.Claimable),
	}
	if !res.IsZero() {
		out.Ciphertext = hexutil.Encode(res.Ciphertext)
		out.Proof = hexutil.Encode(res.Proof)
		out.Commitment = res.Commitment.Hex()
	}
	return out
}

func resolutionFromResponse(resp ResolveResponse) (Resolution, error) {
	if !common.IsHexAddress(resp.Beneficiary) {
		return Resolution{}, fmt.Errorf("invalid beneficiary")
	}
	claimable, ok := new(big.Int).SetString(resp.Claimable, 10)
	if !ok || claimable.Sign() < 0 {
		return Resolution{}, fmt.Errorf("invalid claimable")
	}
	res := Resolution{
		VestingID:   resp.VestingID,
		Beneficiary: common.HexToAddress(resp.Beneficiary),
		AsOf:        time.Unix(resp.AsOf, 0).UTC(),
		Claimable:   claimable,
	}
	if res.IsZero() {
		return res, nil
	}
	ct, err := hexutil.Decode(resp.Ciphertext)
	if err != nil || len(ct) == 0 {
		return Resolution{}, fmt.Errorf("invalid ciphertext")
	}
	proof, err := hexutil.Decode(resp.Proof)
	if err != nil || len(proof) == 0 {
		return Resolution{}, fmt.Errorf("invalid proof")
	}
	commitment, err := hexutil.Decode(resp.Commitment)
	if err != nil || len(commitment) != common.HashLength {
		return Resolution{}, fmt.Errorf("invalid commitment")
	}
	res.Ciphertext = ct
	res.Proof = proof
	res.Commitment = common.BytesToHash(commitment)
	return res, nil
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func joinPath(basePath string, suffix string) string {
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("resolver: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("resolver: response too large")
	}
	return b, nil
}
