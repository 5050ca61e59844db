package nats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/stone-age-io/sysreport/internal/config"
	"github.com/stone-age-io/sysreport/internal/snapshot"
	"github.com/stone-age-io/sysreport/internal/storage"
	"go.uber.org/zap"
)

// TestRecordSubject tests address to subject mapping
func TestRecordSubject(t *testing.T) {
	tests := []struct {
		prefix  string
		address string
		want    string
	}{
		{"sysreport", "10.0.0.5", "sysreport.records.10_0_0_5"},
		{"sysreport", "::1", "sysreport.records.__1"},
		{"acme.prod", "fe80::1", "acme.prod.records.fe80__1"},
		{"sysreport", "host*name>", "sysreport.records.host_name_"},
		{"sysreport", "testclient", "sysreport.records.testclient"},
	}

	for _, tt := range tests {
		if got := RecordSubject(tt.prefix, tt.address); got != tt.want {
			t.Errorf("RecordSubject(%q, %q) = %q, want %q", tt.prefix, tt.address, got, tt.want)
		}
	}
}

// TestAuthOption tests auth type selection
func TestAuthOption(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.AuthConfig
		wantOpt bool
		wantErr bool
	}{
		{"none", config.AuthConfig{Type: "none"}, false, false},
		{"empty", config.AuthConfig{}, false, false},
		{"token", config.AuthConfig{Type: "token", Token: "t"}, true, false},
		{"userpass", config.AuthConfig{Type: "userpass", Username: "u", Password: "p"}, true, false},
		{"creds", config.AuthConfig{Type: "creds", CredsFile: "/tmp/x.creds"}, true, false},
		{"unknown", config.AuthConfig{Type: "kerberos"}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opt, err := authOption(&tt.cfg, zap.NewNop())
			if (err != nil) != tt.wantErr {
				t.Fatalf("authOption() error = %v, wantErr %v", err, tt.wantErr)
			}
			if (opt != nil) != tt.wantOpt {
				t.Errorf("authOption() option set = %v, want %v", opt != nil, tt.wantOpt)
			}
		})
	}
}

// TestCreateTLSConfig tests TLS settings and CA loading failures
func TestCreateTLSConfig(t *testing.T) {
	cfg, err := createTLSConfig(&config.TLSConfig{Enabled: true, InsecureSkipVerify: true}, zap.NewNop())
	if err != nil {
		t.Fatalf("createTLSConfig() error = %v", err)
	}
	if !cfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify not applied")
	}

	if _, err := createTLSConfig(&config.TLSConfig{Enabled: true, CAFile: filepath.Join(t.TempDir(), "missing.pem")}, zap.NewNop()); err == nil {
		t.Error("createTLSConfig() error = nil for missing CA file")
	}

	bad := filepath.Join(t.TempDir(), "bad.pem")
	if err := os.WriteFile(bad, []byte("not a certificate"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := createTLSConfig(&config.TLSConfig{Enabled: true, CAFile: bad}, zap.NewNop()); err == nil {
		t.Error("createTLSConfig() error = nil for unparseable CA file")
	}
}

type fakeSubscriber struct {
	subjects []string
	handlers map[string]nats.MsgHandler
}

func (f *fakeSubscriber) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	if f.handlers == nil {
		f.handlers = map[string]nats.MsgHandler{}
	}
	f.subjects = append(f.subjects, subject)
	f.handlers[subject] = handler
	return &nats.Subscription{Subject: subject}, nil
}

func newTestHandlers(t *testing.T) (*CommandHandlers, *storage.Store) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	store := storage.New(t.TempDir(), clock, zap.NewNop())
	h := NewCommandHandlers(zap.NewNop(), "sysreport", store)
	h.now = clock.Now
	return h, store
}

// TestSubscribeAll tests the command subjects
func TestSubscribeAll(t *testing.T) {
	h, _ := newTestHandlers(t)
	sub := &fakeSubscriber{}

	if err := h.SubscribeAll(sub); err != nil {
		t.Fatalf("SubscribeAll() error = %v", err)
	}
	want := []string{"sysreport.cmd.ping", "sysreport.cmd.query"}
	if len(sub.subjects) != len(want) {
		t.Fatalf("subjects = %v, want %v", sub.subjects, want)
	}
	for i := range want {
		if sub.subjects[i] != want[i] {
			t.Errorf("subject[%d] = %q, want %q", i, sub.subjects[i], want[i])
		}
	}

	// Unbound messages cannot be answered; handlers must not panic
	sub.handlers["sysreport.cmd.ping"](&nats.Msg{Subject: "sysreport.cmd.ping"})
	sub.handlers["sysreport.cmd.query"](&nats.Msg{Subject: "sysreport.cmd.query", Data: []byte("1.2.3.4")})
}

// TestPing tests the ping reply
func TestPing(t *testing.T) {
	h, _ := newTestHandlers(t)
	resp := h.ping()
	if resp.Status != "ok" || resp.Timestamp != "2024-06-01T10:00:00Z" {
		t.Errorf("ping() = %+v", resp)
	}
}

// TestQuery tests query replies for known, unknown and empty addresses
func TestQuery(t *testing.T) {
	h, store := newTestHandlers(t)

	cores := 2
	snap := &snapshot.SystemSnapshot{
		OSName:    "Linux",
		OSVersion: "6.1.0",
		CPU:       snapshot.CPUInfo{Stats: &snapshot.CPUStats{TotalCores: &cores, Frequency: snapshot.FrequencyText("N/A")}},
		Processes: snapshot.ProcessList{Processes: []snapshot.Process{}},
		Users:     snapshot.UserList{Users: []snapshot.User{}},
	}
	if _, err := store.Append("1.2.3.4", snap); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	ok, isOK := h.query([]byte(" 1.2.3.4\n")).(queryResponse)
	if !isOK {
		t.Fatalf("query() returned %T, want queryResponse", h.query([]byte("1.2.3.4")))
	}
	if ok.Status != "success" || ok.Address != "1.2.3.4" || len(ok.Records) != 1 {
		t.Errorf("query() = %+v", ok)
	}
	var rec snapshot.StoredRecord
	if err := json.Unmarshal(ok.Records[0], &rec); err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Payload.OSName != "Linux" {
		t.Errorf("OSName = %q", rec.Payload.OSName)
	}

	tests := []struct {
		data string
		want string
	}{
		{"9.9.9.9", "No data found for address: 9.9.9.9"},
		{"   ", "address is required"},
		{"../etc", "No data found for address: ../etc"},
	}
	for _, tt := range tests {
		resp, isErr := h.query([]byte(tt.data)).(errorResponse)
		if !isErr {
			t.Errorf("query(%q) did not return an error response", tt.data)
			continue
		}
		if resp.Status != "error" || resp.Error != tt.want {
			t.Errorf("query(%q) = %+v, want error %q", tt.data, resp, tt.want)
		}
	}
}

// TestHandleWithRecovery tests that a panicking handler is contained
func TestHandleWithRecovery(t *testing.T) {
	h, _ := newTestHandlers(t)
	wrapped := h.handleWithRecovery("boom", func(msg *nats.Msg) {
		panic("handler exploded")
	})

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("panic escaped: %v", r)
		}
	}()
	wrapped(&nats.Msg{Subject: "sysreport.cmd.boom"})
}
