// Package pinning uploads credential files to a Pinata-compatible pinning service.
package pinning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	log "github.com/sirupsen/logrus"

	"github.com/paw-chain/credwallet/pkg/config"
)

const (
	pinFilePath = "/pinning/pinFileToIPFS"
	pinListPath = "/data/pinList"
	authPath    = "/data/testAuthentication"

	headerAPIKey    = "pinata_api_key"
	headerSecretKey = "pinata_secret_api_key"

	// MetadataRequestID is the keyvalue carrying the issuance request id
	MetadataRequestID = "requestId"
	// MetadataContentDigest is the keyvalue carrying the locally computed CID of the file
	MetadataContentDigest = "contentDigest"

	maxErrorBody = 4096
)

var (
	// ErrEmptyFile is returned when there is nothing to upload
	ErrEmptyFile = errors.New("file is empty")
	// ErrMissingReference is returned when the response carries no content reference
	ErrMissingReference = errors.New("pinning response has no IpfsHash")
)

// StatusError is returned for non-2xx responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pinning service returned status %d: %s", e.StatusCode, e.Body)
}

// PinResult is the pinFileToIPFS response
type PinResult struct {
	IpfsHash    string `json:"IpfsHash"`
	PinSize     int64  `json:"PinSize"`
	Timestamp   string `json:"Timestamp"`
	IsDuplicate bool   `json:"isDuplicate,omitempty"`
}

// CID decodes the content reference
func (r *PinResult) CID() (cid.Cid, error) {
	return cid.Decode(r.IpfsHash)
}

// PinnedItem is one row of a pin list
type PinnedItem struct {
	IpfsPinHash string `json:"ipfs_pin_hash"`
	Size        int64  `json:"size"`
	DatePinned  string `json:"date_pinned"`
	Metadata    struct {
		Name      string            `json:"name"`
		KeyValues map[string]string `json:"keyvalues"`
	} `json:"metadata"`
}

type pinListResponse struct {
	Count int          `json:"count"`
	Rows  []PinnedItem `json:"rows"`
}

type pinataMetadata struct {
	Name      string            `json:"name,omitempty"`
	KeyValues map[string]string `json:"keyvalues,omitempty"`
}

// File is an upload payload
type File struct {
	Name    string
	Content []byte
	// KeyValues are attached to the pin as metadata
	KeyValues map[string]string
}

// Client is a pinning service client
type Client struct {
	endpoint  string
	apiKey    string
	secretKey string
	client    *http.Client
	// StrictCID rejects content references that do not decode as a CID
	StrictCID bool
}

// NewClient creates a client for endpoint authenticated by the API key pair
func NewClient(endpoint, apiKey, secretKey string, timeout time.Duration) *Client {
	return &Client{
		endpoint:  endpoint,
		apiKey:    apiKey,
		secretKey: secretKey,
		client:    &http.Client{Timeout: timeout},
	}
}

// NewClientFromConfig creates a client from configuration
func NewClientFromConfig(cfg *config.Config) *Client {
	c := NewClient(cfg.PinataEndpoint, cfg.PinataAPIKey, cfg.PinataSecretAPIKey, cfg.UploadTimeout)
	c.StrictCID = cfg.PinataStrictCID
	return c
}

// PinFile uploads f and returns the content reference
func (c *Client) PinFile(ctx context.Context, f File) (*PinResult, error) {
	if len(f.Content) == 0 {
		return nil, ErrEmptyFile
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", f.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart file: %w", err)
	}
	if _, err := part.Write(f.Content); err != nil {
		return nil, fmt.Errorf("failed to write multipart file: %w", err)
	}

	meta, err := json.Marshal(pinataMetadata{Name: f.Name, KeyValues: f.KeyValues})
	if err != nil {
		return nil, fmt.Errorf("failed to encode pin metadata: %w", err)
	}
	if err := writer.WriteField("pinataMetadata", string(meta)); err != nil {
		return nil, fmt.Errorf("failed to write pin metadata: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+pinFilePath, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var result PinResult
	if err := c.do(req, &result); err != nil {
		return nil, err
	}

	if result.IpfsHash == "" {
		return nil, ErrMissingReference
	}

	if _, err := result.CID(); err != nil {
		if c.StrictCID {
			return nil, fmt.Errorf("invalid content reference %q: %w", result.IpfsHash, err)
		}
		log.WithFields(log.Fields{
			"ipfs_hash": result.IpfsHash,
			"error":     err,
		}).Warn("Pinning service returned a reference that is not a CID")
	}

	log.WithFields(log.Fields{
		"ipfs_hash": result.IpfsHash,
		"pin_size":  result.PinSize,
		"name":      f.Name,
	}).Info("File pinned")

	return &result, nil
}

// FindByMetadata returns the first pinned item whose keyvalue key equals value, or nil
func (c *Client) FindByMetadata(ctx context.Context, key, value string) (*PinnedItem, error) {
	filter, err := json.Marshal(map[string]map[string]string{
		key: {"value": value, "op": "eq"},
	})
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("status", "pinned")
	query.Set("pageLimit", "1")
	query.Set("metadata[keyvalues]", string(filter))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+pinListPath+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var list pinListResponse
	if err := c.do(req, &list); err != nil {
		return nil, err
	}
	if len(list.Rows) == 0 {
		return nil, nil
	}
	return &list.Rows[0], nil
}

// TestAuthentication checks the API key pair
func (c *Client) TestAuthentication(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+authPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set(headerAPIKey, c.apiKey)
	req.Header.Set(headerSecretKey, c.secretKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("pinning request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode pinning response: %w", err)
	}
	return nil
}

// LocalCID computes the CIDv1 (raw codec, sha2-256) of data. It identifies the
// content locally and is not necessarily the reference the pinning service returns.
func LocalCID(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}
