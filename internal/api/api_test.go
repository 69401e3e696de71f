package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ballpark/livecast/internal/chatlog"
)

// fakeStore is an in-memory Store for handler tests.
type fakeStore struct {
	messages map[string][]chatlog.Message
	records  map[string]*chatlog.GameRecord
	failing  bool

	reportCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages: make(map[string][]chatlog.Message),
		records:  make(map[string]*chatlog.GameRecord),
	}
}

func (f *fakeStore) ListMessages(ctx context.Context, channel string) ([]chatlog.Message, error) {
	if f.failing {
		return nil, context.DeadlineExceeded
	}
	return f.messages[channel], nil
}

func (f *fakeStore) AddReport(ctx context.Context, channel, msgID string, r chatlog.Report) (int, error) {
	f.reportCalls++
	if f.failing {
		return 0, context.DeadlineExceeded
	}
	msgs, ok := f.messages[channel]
	if !ok {
		return 0, chatlog.ErrNotFound
	}
	matched := 0
	for i := range msgs {
		if msgs[i].MsgID == msgID {
			msgs[i].Report = append(msgs[i].Report, r)
			matched++
		}
	}
	return matched, nil
}

func (f *fakeStore) GetOrCreateGameRecord(ctx context.Context, gameID string) (*chatlog.GameRecord, error) {
	if f.failing {
		return nil, context.DeadlineExceeded
	}
	if rec, ok := f.records[gameID]; ok {
		return rec, nil
	}
	rec := &chatlog.GameRecord{
		GameID:   gameID,
		Kt:       chatlog.Team{Pitcher: chatlog.DefaultKtPitcher, Score: []int{}},
		Opponent: chatlog.Team{Pitcher: chatlog.DefaultOpponentPitcher, Score: []int{}},
	}
	f.records[gameID] = rec
	return rec, nil
}

func (f *fakeStore) DeleteGameRecord(ctx context.Context, gameID string) error {
	if f.failing {
		return context.DeadlineExceeded
	}
	if _, ok := f.records[gameID]; !ok {
		return chatlog.ErrNotFound
	}
	delete(f.records, gameID)
	return nil
}

func fixedNow() time.Time {
	return time.Date(2026, time.August, 30, 14, 0, 0, 0, time.Local)
}

func newTestServer(store Store) *httptest.Server {
	h := NewHandler(store, "chat", fixedNow)
	mux := http.NewServeMux()
	h.Register(mux)
	return httptest.NewServer(mux)
}

func TestChatLogs_NotFoundWhenEmpty(t *testing.T) {
	srv := newTestServer(newFakeStore())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/chatLogs")
	if err != nil {
		t.Fatalf("GET /chatLogs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestChatLogs_ReturnsMessages(t *testing.T) {
	store := newFakeStore()
	store.messages["chat"] = []chatlog.Message{
		{Nickname: "wiz", Message: "hello", MsgID: "m1", Report: []chatlog.Report{}},
		{Nickname: "fan", Message: "hi", MsgID: "m2", Report: []chatlog.Report{}},
	}
	srv := newTestServer(store)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/chatLogs")
	if err != nil {
		t.Fatalf("GET /chatLogs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var msgs []chatlog.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].MsgID != "m1" || msgs[1].MsgID != "m2" {
		t.Errorf("order = %s, %s", msgs[0].MsgID, msgs[1].MsgID)
	}
}

func TestReport_MissingFieldIs400WithNoMutation(t *testing.T) {
	store := newFakeStore()
	store.messages["chat"] = []chatlog.Message{{MsgID: "m1"}}
	srv := newTestServer(store)
	defer srv.Close()

	body := `{"msgId":"m1","userId":"u1"}` // no type
	resp, err := http.Post(srv.URL+"/message/report", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /message/report: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if store.reportCalls != 0 {
		t.Errorf("store was called %d times, want 0", store.reportCalls)
	}
}

func TestReport_NoChannelDocumentsIs404(t *testing.T) {
	srv := newTestServer(newFakeStore())
	defer srv.Close()

	body := `{"msgId":"m1","userId":"u1","type":"abuse"}`
	resp, err := http.Post(srv.URL+"/message/report", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /message/report: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestReport_Success(t *testing.T) {
	store := newFakeStore()
	store.messages["chat"] = []chatlog.Message{{MsgID: "m1"}}
	srv := newTestServer(store)
	defer srv.Close()

	body := `{"msgId":"m1","userId":"u1","type":"abuse"}`
	resp, err := http.Post(srv.URL+"/message/report", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /message/report: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !out["success"] {
		t.Error("success = false, want true")
	}
	if got := store.messages["chat"][0].Report; len(got) != 1 || got[0].UserID != "u1" {
		t.Errorf("stored reports = %v", got)
	}
}

func TestReport_StoreFailureIs500(t *testing.T) {
	store := newFakeStore()
	store.messages["chat"] = []chatlog.Message{{MsgID: "m1"}}
	store.failing = true
	srv := newTestServer(store)
	defer srv.Close()

	body := `{"msgId":"m1","userId":"u1","type":"abuse"}`
	resp, err := http.Post(srv.URL+"/message/report", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /message/report: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestLiveInfo_CreatesRecordWithDefaults(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(store)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/liveinfo")
	if err != nil {
		t.Fatalf("GET /liveinfo: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var rec chatlog.GameRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if rec.Kt.Pitcher != chatlog.DefaultKtPitcher {
		t.Errorf("kt pitcher = %q, want %q", rec.Kt.Pitcher, chatlog.DefaultKtPitcher)
	}
	if rec.Opponent.Pitcher != chatlog.DefaultOpponentPitcher {
		t.Errorf("opponent pitcher = %q, want %q", rec.Opponent.Pitcher, chatlog.DefaultOpponentPitcher)
	}
	if len(rec.Kt.Score) != 0 || len(rec.Opponent.Score) != 0 {
		t.Errorf("scores = %v / %v, want empty", rec.Kt.Score, rec.Opponent.Score)
	}

	// The lazily created record persisted under today's date ID.
	if _, ok := store.records[chatlog.DateID(fixedNow())]; !ok {
		t.Error("record was not persisted")
	}
}

func TestDeleteLiveInfo(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(store)
	defer srv.Close()

	del := func() int {
		req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/deleteLiveInfo", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE /deleteLiveInfo: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	// Nothing to delete yet.
	if code := del(); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}

	store.records[chatlog.DateID(fixedNow())] = &chatlog.GameRecord{}
	if code := del(); code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if len(store.records) != 0 {
		t.Errorf("records remaining = %d, want 0", len(store.records))
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(newFakeStore())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/chatLogs", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /chatLogs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}
