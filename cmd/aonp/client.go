package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/openneutron/aonp/internal/config"
)

// serverBase resolves the control-plane base URL from the --server flag or
// the environment.
func serverBase(flagAddr string) string {
	addr := flagAddr
	if addr == "" {
		addr = os.Getenv(config.EnvListenAddr)
	}
	if addr == "" {
		addr = config.DefaultListenAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + addr
}

// getJSON issues a GET and decodes a JSON body. Non-2xx responses are
// returned as errors carrying the server's error message.
func getJSON(url string, out any) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func postJSON(url, contentType string, body io.Reader, out any) error {
	resp, err := http.Post(url, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error  string `json:"error"`
			Issues []struct {
				Field   string `json:"field"`
				Message string `json:"message"`
			} `json:"issues"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg := e.Error
			for _, issue := range e.Issues {
				msg += fmt.Sprintf("\n  %s: %s", issue.Field, issue.Message)
			}
			return fmt.Errorf("%s (HTTP %d)", msg, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
