package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Cookie names carrying the long-lived browser session.
const (
	CookieSecureCSES = "__Secure-C_SES"
	CookieHostCOSES  = "__Host-C_OSES"
)

// ExchangeKey trades the account cookies for short-lived signing key material.
func (c *Client) ExchangeKey(ctx context.Context, secureCSES, hostCOSES, csesidx string) (*KeyMaterial, error) {
	ctx, cancel := context.WithTimeout(ctx, c.authTimeout)
	defer cancel()

	exchangeURL := c.authBaseURL + "/auth/getoxsrf?csesidx=" + url.QueryEscape(csesidx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, exchangeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create key exchange request: %w", err)
	}

	cookie := CookieSecureCSES + "=" + secureCSES
	if hostCOSES != "" {
		cookie += "; " + CookieHostCOSES + "=" + hostCOSES
	}
	req.Header.Set("Cookie", cookie)
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Referer", Origin+"/")

	c.logger.Debug("exchanging key", "csesidx", csesidx)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("key exchange request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read key exchange response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("key exchange failed",
			"status", resp.StatusCode,
			"body", truncate(string(body), 500),
		)
		return nil, &APIError{Op: OpKeyExchange, StatusCode: resp.StatusCode, Body: body}
	}

	var parsed keyExchangeResponse
	if err := json.Unmarshal(StripSafetyPrefix(body), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse key exchange response: %w", err)
	}
	if parsed.XSRFToken == "" || parsed.KeyID == "" {
		return nil, fmt.Errorf("key exchange response missing xsrfToken or keyId")
	}

	return &KeyMaterial{
		XSRFToken: parsed.XSRFToken,
		KeyID:     parsed.KeyID,
		SetCookie: resp.Header.Values("Set-Cookie"),
	}, nil
}
