package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nugget/feedctl/internal/httpkit"
)

func jsonReader(buf []byte) io.Reader {
	return bytes.NewReader(buf)
}

// LoginResult is the outcome of authenticating with static application
// credentials: a short-lived access token, its scheme, and its absolute
// expiry. The collaborator that issues it is expected to handle its own
// internal token caching/refresh; callers here always get a token valid
// for at least the near future.
type LoginResult struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

// Endpoint is the dispatcher's answer to "where do I connect and with
// what authorization": at least one broker host, and a separate token
// scoped to the MQTT-layer handshake (distinct from the access token
// used to ask for it).
type Endpoint struct {
	Hosts     []string
	MQTTToken string
}

// AuthClient is the opaque authentication/discovery collaborator: it
// knows how to turn static application credentials into a dispatcher
// endpoint. The session depends only on this interface, never on a
// concrete SDK, so the broker's actual login/discovery wire protocol
// stays outside the transport's concern.
type AuthClient interface {
	Login(ctx context.Context) (LoginResult, error)
	FetchEndpoint(ctx context.Context, login LoginResult) (Endpoint, error)
}

// httpAuthClient is a minimal HTTP-based AuthClient: a bearer-token
// login against baseURL, and a GET against the dispatcher's token
// endpoint for the effective broker id. It exists so Session has a
// real, runnable collaborator to talk to in the absence of a vendored
// broker SDK; a production deployment speaking a different wire
// protocol would implement AuthClient directly instead.
type httpAuthClient struct {
	baseURL         string
	appID           string
	appSecret       string
	appCode         string
	effectiveBroker string

	client *http.Client
}

// NewHTTPAuthClient builds the default AuthClient against baseURL.
func NewHTTPAuthClient(baseURL, appID, appSecret, appCode, effectiveBroker string) AuthClient {
	return &httpAuthClient{
		baseURL:         baseURL,
		appID:           appID,
		appSecret:       appSecret,
		appCode:         appCode,
		effectiveBroker: effectiveBroker,
		client:          httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   int64  `json:"expires_at"`
}

func (c *httpAuthClient) Login(ctx context.Context) (LoginResult, error) {
	body := map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
		"app_code":   c.appCode,
		"broker_id":  c.effectiveBroker,
	}
	var resp loginResponse
	if err := c.postJSON(ctx, c.baseURL+"/api/oam/v1/broker-apps/login", body, "", &resp); err != nil {
		return LoginResult{}, fmt.Errorf("login: %w", err)
	}
	return LoginResult{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
		ExpiresAt:   time.Unix(resp.ExpiresAt, 0),
	}, nil
}

type endpointResponse struct {
	Hosts []string `json:"hosts"`
	Token string   `json:"token"`
}

func (c *httpAuthClient) FetchEndpoint(ctx context.Context, login LoginResult) (Endpoint, error) {
	url := fmt.Sprintf("%s/api/dispatcher/v3/%s/token", c.baseURL, c.effectiveBroker)
	var resp endpointResponse
	auth := fmt.Sprintf("%s %s", login.TokenType, login.AccessToken)
	if err := c.getJSON(ctx, url, auth, &resp); err != nil {
		return Endpoint{}, fmt.Errorf("fetch endpoint: %w", err)
	}
	if len(resp.Hosts) == 0 {
		return Endpoint{}, fmt.Errorf("fetch endpoint: no hosts returned")
	}
	return Endpoint{Hosts: resp.Hosts, MQTTToken: resp.Token}, nil
}

func (c *httpAuthClient) getJSON(ctx context.Context, url, authorization string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	return c.doJSON(req, out)
}

func (c *httpAuthClient) postJSON(ctx context.Context, url string, body any, authorization string, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, jsonReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	return c.doJSON(req, out)
}

func (c *httpAuthClient) doJSON(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
