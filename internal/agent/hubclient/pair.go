package hubclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/codetether/codetether/internal/logging"
	"github.com/codetether/codetether/internal/protocol"
)

// pairRequestResponse mirrors the hub's POST /api/pair/request reply.
type pairRequestResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		PairCode  string `json:"pairCode"`
		ExpiresAt int64  `json:"expiresAt"` // epoch ms
	} `json:"data"`
}

// requestPairing asks the hub for a fresh pair code over REST and prints
// pairing instructions for the user. The hub pushes a paired frame over
// the websocket once the phone confirms the code, so there is nothing to
// poll here. A returned error drops the connection, and the reconnect
// loop retries the whole join flow.
func (c *Client) requestPairing(ctx context.Context) error {
	base, err := httpEndpoint(c.cfg.HubURL)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{
		"deviceId":   c.cfg.DeviceID,
		"deviceName": c.cfg.DeviceName,
		"platform":   protocol.RoleDesktop,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/pair/request", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request pair code: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request pair code: hub replied %s", resp.Status)
	}

	var pr pairRequestResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return fmt.Errorf("decode pair response: %w", err)
	}
	if !pr.Success || pr.Data.PairCode == "" {
		return fmt.Errorf("request pair code: %s", pr.Error)
	}

	c.showPairCode(base, pr.Data.PairCode, time.UnixMilli(pr.Data.ExpiresAt))
	return nil
}

// showPairCode prints the handoff URL, the code for manual entry and its
// expiry time.
func (c *Client) showPairCode(base, code string, expiresAt time.Time) {
	pairURL := base + "/mobile?code=" + url.QueryEscape(code)

	fmt.Fprintf(c.cfg.Out, "\n  Pair your phone: %s\n", pairURL)
	fmt.Fprintf(c.cfg.Out, "  or open %s/mobile and enter code %s\n", base, code)
	fmt.Fprintf(c.cfg.Out, "  The code expires at %s.\n", expiresAt.Local().Format("15:04:05"))

	if c.cfg.PairQR {
		logging.PrintQRCode(c.cfg.Out, pairURL)
	}
}
