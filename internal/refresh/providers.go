package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/oauth2"

	"github.com/cliswitch/cliswitch/internal/provider"
)

const (
	anthropicTokenURL = "https://console.anthropic.com/v1/oauth/token"
	anthropicClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	openaiTokenURL = "https://auth.openai.com/oauth/token"
	openaiClientID = "app_EMoamEEZ73f0CkXaXp7hrann"

	googleTokenURL = "https://oauth2.googleapis.com/token"
	// Public OAuth desktop-client credentials embedded in the Gemini CLI;
	// used only when the payload does not carry its own.
	geminiClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	geminiClientSecret = "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"
)

type claudeRefresher struct {
	client *http.Client
}

func (r *claudeRefresher) Provider() provider.Provider { return provider.Claude }

func (r *claudeRefresher) Refresh(ctx context.Context, payload []byte) ([]byte, error) {
	refreshToken := gjson.GetBytes(payload, "claudeAiOauth.refreshToken").String()
	nested := true
	if refreshToken == "" {
		refreshToken = gjson.GetBytes(payload, "refreshToken").String()
		nested = false
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("missing refresh token")
	}

	body, err := json.Marshal(map[string]any{
		"client_id":     anthropicClientID,
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicTokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token refresh failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	accessToken := gjson.GetBytes(respBody, "access_token").String()
	if accessToken == "" {
		return nil, fmt.Errorf("no access_token in refresh response")
	}
	expiresIn := gjson.GetBytes(respBody, "expires_in").Int()
	newRefresh := gjson.GetBytes(respBody, "refresh_token").String()

	prefix := ""
	if nested {
		prefix = "claudeAiOauth."
	}
	out := payload
	if out, err = sjson.SetBytes(out, prefix+"accessToken", accessToken); err != nil {
		return nil, err
	}
	if newRefresh != "" {
		if out, err = sjson.SetBytes(out, prefix+"refreshToken", newRefresh); err != nil {
			return nil, err
		}
	}
	expiresAt := time.Now().Add(time.Duration(expiresIn) * time.Second).UnixMilli()
	if out, err = sjson.SetBytes(out, prefix+"expiresAt", expiresAt); err != nil {
		return nil, err
	}
	return out, nil
}

type codexRefresher struct {
	client *http.Client
}

func (r *codexRefresher) Provider() provider.Provider { return provider.Codex }

func (r *codexRefresher) Refresh(ctx context.Context, payload []byte) ([]byte, error) {
	refreshToken := gjson.GetBytes(payload, "tokens.refresh_token").String()
	if refreshToken == "" {
		return nil, fmt.Errorf("missing refresh token")
	}

	body, err := json.Marshal(map[string]any{
		"client_id":     openaiClientID,
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"scope":         "openid profile email",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openaiTokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token refresh failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	accessToken := gjson.GetBytes(respBody, "access_token").String()
	if accessToken == "" {
		return nil, fmt.Errorf("no access_token in refresh response")
	}

	out := payload
	if out, err = sjson.SetBytes(out, "tokens.access_token", accessToken); err != nil {
		return nil, err
	}
	if idToken := gjson.GetBytes(respBody, "id_token").String(); idToken != "" {
		if out, err = sjson.SetBytes(out, "tokens.id_token", idToken); err != nil {
			return nil, err
		}
	}
	if newRefresh := gjson.GetBytes(respBody, "refresh_token").String(); newRefresh != "" {
		if out, err = sjson.SetBytes(out, "tokens.refresh_token", newRefresh); err != nil {
			return nil, err
		}
	}
	if out, err = sjson.SetBytes(out, "last_refresh", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return nil, err
	}
	return out, nil
}

type geminiRefresher struct{}

func (r *geminiRefresher) Provider() provider.Provider { return provider.Gemini }

func (r *geminiRefresher) Refresh(ctx context.Context, payload []byte) ([]byte, error) {
	prefix := ""
	refreshToken := gjson.GetBytes(payload, "refresh_token").String()
	if refreshToken == "" {
		refreshToken = gjson.GetBytes(payload, "token.refresh_token").String()
		prefix = "token."
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("missing refresh token")
	}

	clientID := gjson.GetBytes(payload, prefix+"client_id").String()
	clientSecret := gjson.GetBytes(payload, prefix+"client_secret").String()
	if clientID == "" {
		clientID = geminiClientID
		clientSecret = geminiClientSecret
	}

	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: googleTokenURL},
	}
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh request failed: %w", err)
	}

	out := payload
	if out, err = sjson.SetBytes(out, prefix+"access_token", token.AccessToken); err != nil {
		return nil, err
	}
	if token.RefreshToken != "" && token.RefreshToken != refreshToken {
		if out, err = sjson.SetBytes(out, prefix+"refresh_token", token.RefreshToken); err != nil {
			return nil, err
		}
	}
	if !token.Expiry.IsZero() {
		if out, err = sjson.SetBytes(out, prefix+"expiry_date", token.Expiry.UnixMilli()); err != nil {
			return nil, err
		}
	}
	return out, nil
}
