package batchsigner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPrepareSendsIntents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/batches" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		intents := body["intents"].([]any)
		first := intents[0].(map[string]any)
		if first["value"] != float64(5) {
			t.Fatalf("expected numeric value, got %#v", first["value"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"fingerprint": "0xabc",
			"txsCalc":     []map[string]any{{"nonce": 7, "gasLimit": 21000}},
			"signInfo":    map[string]any{"currentTxIndex": 0, "total": 1, "status": "unsigned"},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	sc, err := client.Prepare(context.Background(), PrepareRequest{Intents: []Intent{{ChainID: 1, From: "0xa0", To: "0xb0", Value: "5"}}})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if sc.Fingerprint != "0xabc" || len(sc.Txs) != 1 || sc.Txs[0].Nonce != 7 {
		t.Fatalf("unexpected context: %+v", sc)
	}
	if sc.SignInfo.Status != "unsigned" {
		t.Fatalf("unexpected sign info: %+v", sc.SignInfo)
	}
}

func TestSendAndRoutes(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		switch r.URL.Path {
		case "/api/v1/batches/0xabc/send":
			var body SendRequest
			_ = json.NewDecoder(r.Body).Decode(&body)
			if !body.Retry || body.RetryType != "gasPrice" {
				t.Fatalf("unexpected send body: %+v", body)
			}
			_ = json.NewEncoder(w).Encode(SendResult{Hashes: []string{"0x01"}, FailedIndex: -1})
		default:
			_ = json.NewEncoder(w).Encode(SignerContext{Fingerprint: "0xabc"})
		}
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	ctx := context.Background()
	if _, err := client.Get(ctx, "0xabc"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := client.UpdateGas(ctx, "0xabc", GasLevel{Level: "fast"}); err != nil {
		t.Fatalf("update gas: %v", err)
	}
	if _, err := client.SetGasMethod(ctx, "0xabc", "gasAccount"); err != nil {
		t.Fatalf("gas method: %v", err)
	}
	res, err := client.Send(ctx, "0xabc", SendRequest{Retry: true, RetryType: "gasPrice"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Failed || len(res.Hashes) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	want := []string{
		"GET /api/v1/batches/0xabc",
		"POST /api/v1/batches/0xabc/gas",
		"POST /api/v1/batches/0xabc/gas-method",
		"POST /api/v1/batches/0xabc/send",
	}
	if len(paths) != len(want) {
		t.Fatalf("unexpected calls: %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("call %d: got %q want %q", i, paths[i], want[i])
		}
	}
}

func TestAPIErrorDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "CONTEXT_STALE", "message": "gone"})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.Get(context.Background(), "0xdead")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "CONTEXT_STALE" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}
