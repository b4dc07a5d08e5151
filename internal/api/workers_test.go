package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seantiz/switchyard/internal/model"
	"github.com/seantiz/switchyard/internal/workers"
)

func getWorkers(t *testing.T, url string) (int, workersResponse) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out workersResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode, out
}

func TestListWorkers(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	status, out := getWorkers(t, ts.URL+"/v1/workers")
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	want := len(workers.DefaultCatalog().Workers)
	if len(out.Workers) != want {
		t.Errorf("workers = %d, want %d", len(out.Workers), want)
	}
	if out.Workers[0].ID != workers.DefaultCoordinatorID {
		t.Errorf("first worker = %q, want coordinator", out.Workers[0].ID)
	}
}

func TestGetWorker(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/workers/" + workers.DefaultCoordinatorID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var w model.Worker
	json.NewDecoder(resp.Body).Decode(&w)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || w.Role != model.RoleCoordinator {
		t.Errorf("GET coordinator = %d %+v", resp.StatusCode, w)
	}

	resp, err = http.Get(ts.URL + "/v1/workers/ghost")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET ghost status = %d, want 404", resp.StatusCode)
	}
}

func TestListSubWorkers(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	status, out := getWorkers(t, ts.URL+"/v1/workers/"+workers.DefaultCoordinatorID+"/subworkers")
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if len(out.Workers) != len(workers.DefaultCatalog().Workers)-1 {
		t.Errorf("subworkers = %d", len(out.Workers))
	}
	for _, w := range out.Workers {
		if w.ParentWorkerID != workers.DefaultCoordinatorID {
			t.Errorf("worker %s parent = %q", w.ID, w.ParentWorkerID)
		}
	}

	if status, _ := getWorkers(t, ts.URL+"/v1/workers/ghost/subworkers"); status != http.StatusNotFound {
		t.Errorf("ghost subworkers status = %d, want 404", status)
	}
}

func TestDynamicWorkerLifecycle(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	do := func(method, path, body string) *http.Response {
		req, _ := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		return resp
	}

	// Prime the owner's cache so the upsert must invalidate it.
	if _, out := getWorkers(t, ts.URL+"/v1/workers?owner=acme"); len(out.Workers) != len(workers.DefaultCatalog().Workers) {
		t.Fatalf("initial workers = %d", len(out.Workers))
	}

	resp := do(http.MethodPut, "/v1/owners/acme/workers/billing",
		`{"name":"Billing","role":"specialist","model_ref":"openai:gpt-4o","capabilities":["echo"],"parent_worker_id":"coordinator"}`)
	var created model.Worker
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d, want 200", resp.StatusCode)
	}
	if created.Source != model.SourceDynamic || created.OwnerID != "acme" {
		t.Errorf("created = %+v", created)
	}

	status, _ := getWorkers(t, ts.URL+"/v1/workers/billing?owner=acme")
	if status != http.StatusOK {
		t.Errorf("GET billing status = %d, want 200", status)
	}
	status, _ = getWorkers(t, ts.URL+"/v1/workers/billing?owner=other")
	if status != http.StatusNotFound {
		t.Errorf("GET billing for other owner = %d, want 404", status)
	}

	resp = do(http.MethodPut, "/v1/owners/acme/workers/"+workers.DefaultCoordinatorID, `{"model_ref":"openai:gpt-4o"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("PUT static id status = %d, want 409", resp.StatusCode)
	}

	resp = do(http.MethodPut, "/v1/owners/acme/workers/nomodel", `{"name":"x"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("PUT without model status = %d, want 400", resp.StatusCode)
	}

	resp = do(http.MethodDelete, "/v1/owners/acme/workers/billing", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want 204", resp.StatusCode)
	}
	status, _ = getWorkers(t, ts.URL+"/v1/workers/billing?owner=acme")
	if status != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want 404", status)
	}

	resp = do(http.MethodDelete, "/v1/owners/acme/workers/billing", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404", resp.StatusCode)
	}

	resp = do(http.MethodPost, "/v1/owners/acme/workers/invalidate", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("invalidate status = %d, want 204", resp.StatusCode)
	}
}
