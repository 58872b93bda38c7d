// Package main is an end-to-end smoke client for a running lumen broker.
//
// It validates:
//   - auth code issuance over the admin API
//   - handshake + optional subprotocol selection
//   - requests before auth are rejected
//   - auth with the issued code, and that a second auth is refused
//   - the settings view (when the code carries settings access)
//   - subscribe, then prints data frames until -frames arrive or -timeout passes
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "lumen/shared/contracts/broker/v1"

	"github.com/coder/websocket"
	"github.com/spf13/pflag"
)

const maxReadBytes = 1 << 20

type options struct {
	wsURL      string
	adminURL   string
	adminToken string
	origin     string
	identity   string
	access     string
	target     string
	sources    string
	frames     int
	timeout    time.Duration
	verbose    bool
}

func main() {
	var o options
	fs := pflag.NewFlagSet("ws-smoke", pflag.ContinueOnError)
	fs.StringVar(&o.wsURL, "url", "ws://127.0.0.1:13337", "data socket URL")
	fs.StringVar(&o.adminURL, "admin", "http://127.0.0.1:13338", "admin API base URL")
	fs.StringVar(&o.adminToken, "admin-token", os.Getenv("LUMEN_ADMIN_TOKEN"), "admin bearer token")
	fs.StringVar(&o.origin, "origin", "", "Origin header to send (browser-like handshake)")
	fs.StringVar(&o.identity, "identity", "ws-smoke", "identity bound to the auth code")
	fs.StringVar(&o.access, "access", "settings", "guest, settings or admin")
	fs.StringVar(&o.target, "target", "", "extension code to subscribe to (empty skips)")
	fs.StringVar(&o.sources, "sources", "", "comma separated data sources")
	fs.IntVar(&o.frames, "frames", 3, "data frames to wait for after subscribing")
	fs.DurationVar(&o.timeout, "timeout", 7*time.Second, "per-step timeout")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "print every frame")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fatalf("%v", err)
	}
	if err := validateWSURL(o.wsURL); err != nil {
		fatalf("invalid --url: %v", err)
	}

	root := context.Background()

	issued := mustIssueCode(root, o)
	if o.verbose {
		fmt.Printf("issued code for %s (%s), expires %s\n", issued.Identity, issued.Access, issued.ExpiresAt.Format(time.RFC3339))
	}

	conn := mustConnect(root, o)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	mustSend(root, conn, v1.MethodSubscribe, map[string]string{"target": "none", "params": "x"}, o.timeout)
	mustReadError(root, conn, "Unauthenticated client", o)

	mustSend(root, conn, v1.MethodAuth, map[string]string{"code": issued.Code}, o.timeout)
	mustSend(root, conn, v1.MethodAuth, map[string]string{"code": issued.Code}, o.timeout)
	mustReadError(root, conn, "Client already authenticated.", o)

	extensions := 0
	if issued.Access != "guest" {
		mustSend(root, conn, v1.MethodQuery, map[string]string{"target": v1.TargetSettings, "params": ""}, o.timeout)
		var view struct {
			Data struct {
				Settings v1.SettingsView `json:"settings"`
			} `json:"data"`
		}
		raw := mustRead(root, conn, o)
		if err := json.Unmarshal(raw, &view); err != nil {
			fatalf("settings view: %v (%s)", err, raw)
		}
		extensions = len(view.Data.Settings.Extensions)
		for _, e := range view.Data.Settings.Extensions {
			fmt.Printf("extension %s %s (%s)\n", e.Name, e.Version, e.FullName)
		}
	}

	got := 0
	if o.target != "" {
		mustSend(root, conn, v1.MethodSubscribe, map[string]string{"target": o.target, "params": o.sources}, o.timeout)
		got = readFrames(root, conn, o)
	}

	fmt.Printf("OK: identity=%s access=%s extensions=%d frames=%d\n", issued.Identity, issued.Access, extensions, got)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustIssueCode(parent context.Context, o options) v1.IssueCodeResponse {
	ctx, cancel := context.WithTimeout(parent, o.timeout)
	defer cancel()

	body, _ := json.Marshal(v1.IssueCodeRequest{Identity: o.identity, Access: o.access})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(o.adminURL, "/")+"/v1/auth-codes", bytes.NewReader(body))
	if err != nil {
		fatalf("issue code: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+o.adminToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("issue code: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		fatalf("issue code: %s: %s", resp.Status, e.Error)
	}

	var out v1.IssueCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("issue code: decode: %v", err)
	}
	return out
}

func mustConnect(parent context.Context, o options) *websocket.Conn {
	ctx, cancel := context.WithTimeout(parent, o.timeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(o.origin) != "" {
		h.Set("Origin", o.origin)
	}

	conn, resp, err := websocket.Dial(ctx, o.wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != "" && got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)
	return conn
}

func mustSend(parent context.Context, conn *websocket.Conn, method string, params any, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(map[string]any{"method": method, "params": params})
	if err != nil {
		fatalf("marshal %s: %v", method, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s: %v", method, err)
	}
}

func mustRead(parent context.Context, conn *websocket.Conn, o options) []byte {
	ctx, cancel := context.WithTimeout(parent, o.timeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		fatalf("read: %v", err)
	}
	if o.verbose {
		fmt.Printf("<- %s\n", data)
	}
	return data
}

func mustReadError(parent context.Context, conn *websocket.Conn, want string, o options) {
	raw := mustRead(parent, conn, o)

	var f v1.ErrorFrame
	if err := json.Unmarshal(raw, &f); err != nil || f.Error == "" {
		fatalf("expected error frame %q, got %s", want, raw)
	}
	if f.Error != want {
		fatalf("error mismatch: got=%q want=%q", f.Error, want)
	}
}

// readFrames prints data frames until o.frames arrived or the step timeout passes.
func readFrames(parent context.Context, conn *websocket.Conn, o options) int {
	deadline := time.Now().Add(o.timeout)
	got := 0
	for got < o.frames {
		ctx, cancel := context.WithDeadline(parent, deadline)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return got
			}
			fatalf("read: %v", err)
		}

		var f v1.ErrorFrame
		if json.Unmarshal(data, &f) == nil && f.Error != "" {
			fmt.Printf("error: %s\n", f.Error)
			continue
		}
		fmt.Printf("%s\n", data)
		got++
	}
	return got
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
