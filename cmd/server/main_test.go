package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stellarlinkco/gm-eval/api"
	"github.com/stellarlinkco/gm-eval/internal/config"
	"github.com/stellarlinkco/gm-eval/internal/evaluator"
	"github.com/stellarlinkco/gm-eval/internal/llm"
	"github.com/stellarlinkco/gm-eval/internal/store"
)

type stubStore struct {
	store.Store
	closeCalled int
	closeErr    error
}

func (s *stubStore) Close() error {
	s.closeCalled++
	return s.closeErr
}

type noopProvider struct{}

func (noopProvider) Name() string { return "noop" }
func (noopProvider) Complete(context.Context, *llm.Request) (*llm.Response, error) {
	return &llm.Response{}, nil
}

func saveServerGlobals(t *testing.T) func() {
	t.Helper()

	oldOsExit := osExit
	oldStderrWriter := stderrWriter
	oldLoadConfig := loadConfig
	oldOpenStore := openStore
	oldProviderFromConfig := defaultProviderFromConfig
	oldNewServer := newServer
	oldRunServer := runServer

	return func() {
		osExit = oldOsExit
		stderrWriter = oldStderrWriter
		loadConfig = oldLoadConfig
		openStore = oldOpenStore
		defaultProviderFromConfig = oldProviderFromConfig
		newServer = oldNewServer
		runServer = oldRunServer
	}
}

func TestRunMain_Success(t *testing.T) {
	restore := saveServerGlobals(t)
	t.Cleanup(restore)

	stderrBuf := &bytes.Buffer{}
	stderrWriter = stderrBuf

	cfg := &config.Config{Storage: config.StorageConfig{Type: "memory"}}
	var gotConfigPath string
	loadConfig = func(path string) (*config.Config, error) {
		gotConfigPath = path
		return cfg, nil
	}

	st := &stubStore{}
	openStore = func(c *config.Config) (store.Store, error) {
		if c != cfg {
			t.Fatalf("openStore: cfg mismatch")
		}
		return st, nil
	}

	defaultProviderFromConfig = func(c *config.Config) (llm.Provider, error) {
		if c != cfg {
			t.Fatalf("providerFromConfig: cfg mismatch")
		}
		return noopProvider{}, nil
	}

	var gotAddr string
	runCalled := 0
	runServer = func(srv *api.Server, addr string) error {
		if srv == nil {
			t.Fatalf("runServer: nil server")
		}
		runCalled++
		gotAddr = addr
		return nil
	}

	newServer = func(c *config.Config, gotStore store.Store, provider llm.Provider, evals *evaluator.Registry) (*api.Server, error) {
		if c != cfg {
			t.Fatalf("newServer: cfg mismatch")
		}
		if gotStore != st {
			t.Fatalf("newServer: store mismatch")
		}
		if provider == nil {
			t.Fatalf("newServer: nil provider")
		}
		if evals == nil || len(evals.All()) == 0 {
			t.Fatalf("newServer: no evaluators registered")
		}
		return &api.Server{}, nil
	}

	code := runMain([]string{"-addr", "127.0.0.1:9999", "-config", "cfg.yaml"})
	if code != 0 {
		t.Fatalf("exit: got %d want %d; stderr=%q", code, 0, stderrBuf.String())
	}
	if gotConfigPath != "cfg.yaml" {
		t.Fatalf("configPath: got %q want %q", gotConfigPath, "cfg.yaml")
	}
	if runCalled != 1 || gotAddr != "127.0.0.1:9999" {
		t.Fatalf("Run: called=%d addr=%q", runCalled, gotAddr)
	}
	if st.closeCalled != 1 {
		t.Fatalf("store Close: called=%d", st.closeCalled)
	}
	if stderrBuf.Len() != 0 {
		t.Fatalf("stderr: got %q", stderrBuf.String())
	}
}

func TestRunMain_DefaultFlags(t *testing.T) {
	restore := saveServerGlobals(t)
	t.Cleanup(restore)

	cfg := &config.Config{Storage: config.StorageConfig{Type: "memory"}}
	var gotConfigPath string
	loadConfig = func(path string) (*config.Config, error) {
		gotConfigPath = path
		return cfg, nil
	}

	openStore = func(*config.Config) (store.Store, error) { return &stubStore{}, nil }
	defaultProviderFromConfig = func(*config.Config) (llm.Provider, error) { return noopProvider{}, nil }

	var gotAddr string
	runServer = func(_ *api.Server, addr string) error {
		gotAddr = addr
		return nil
	}
	newServer = func(*config.Config, store.Store, llm.Provider, *evaluator.Registry) (*api.Server, error) {
		return &api.Server{}, nil
	}

	if code := runMain(nil); code != 0 {
		t.Fatalf("exit: got %d want %d", code, 0)
	}
	if gotConfigPath != config.DefaultPath {
		t.Fatalf("configPath: got %q want %q", gotConfigPath, config.DefaultPath)
	}
	if gotAddr != ":8080" {
		t.Fatalf("addr: got %q want %q", gotAddr, ":8080")
	}
}

func TestRunMain_FlagParseError(t *testing.T) {
	restore := saveServerGlobals(t)
	t.Cleanup(restore)

	stderrBuf := &bytes.Buffer{}
	stderrWriter = stderrBuf

	loadCalled := 0
	loadConfig = func(string) (*config.Config, error) {
		loadCalled++
		return &config.Config{}, nil
	}

	if code := runMain([]string{"-nope"}); code != 2 {
		t.Fatalf("exit: got %d want %d", code, 2)
	}
	if loadCalled != 0 {
		t.Fatalf("Load: called=%d want %d", loadCalled, 0)
	}
	if stderrBuf.Len() == 0 {
		t.Fatalf("expected parse error output")
	}
}

func TestRunMain_HelpFlag(t *testing.T) {
	restore := saveServerGlobals(t)
	t.Cleanup(restore)

	stderrBuf := &bytes.Buffer{}
	stderrWriter = stderrBuf

	loadCalled := 0
	loadConfig = func(string) (*config.Config, error) {
		loadCalled++
		return &config.Config{}, nil
	}

	if code := runMain([]string{"-h"}); code != 0 {
		t.Fatalf("exit: got %d want %d", code, 0)
	}
	if loadCalled != 0 {
		t.Fatalf("Load: called=%d want %d", loadCalled, 0)
	}
}

func TestRunMain_ConfigLoadError(t *testing.T) {
	restore := saveServerGlobals(t)
	t.Cleanup(restore)

	stderrBuf := &bytes.Buffer{}
	stderrWriter = stderrBuf

	loadConfig = func(string) (*config.Config, error) {
		return nil, errors.New("boom")
	}
	openStore = func(*config.Config) (store.Store, error) {
		t.Fatalf("Open called unexpectedly")
		return nil, nil
	}

	if code := runMain([]string{"-config", "x.yaml"}); code != 1 {
		t.Fatalf("exit: got %d want %d", code, 1)
	}
	if !strings.Contains(stderrBuf.String(), "boom") {
		t.Fatalf("stderr: got %q", stderrBuf.String())
	}
}

func TestRunMain_StoreOpenError(t *testing.T) {
	restore := saveServerGlobals(t)
	t.Cleanup(restore)

	stderrBuf := &bytes.Buffer{}
	stderrWriter = stderrBuf

	loadConfig = func(string) (*config.Config, error) {
		return &config.Config{Storage: config.StorageConfig{Type: "memory"}}, nil
	}
	openStore = func(*config.Config) (store.Store, error) {
		return nil, errors.New("storefail")
	}

	if code := runMain(nil); code != 1 {
		t.Fatalf("exit: got %d want %d", code, 1)
	}
	if !strings.Contains(stderrBuf.String(), "storefail") {
		t.Fatalf("stderr: got %q", stderrBuf.String())
	}
}

func TestRunMain_ProviderError_ClosesStore(t *testing.T) {
	restore := saveServerGlobals(t)
	t.Cleanup(restore)

	stderrBuf := &bytes.Buffer{}
	stderrWriter = stderrBuf

	loadConfig = func(string) (*config.Config, error) {
		return &config.Config{Storage: config.StorageConfig{Type: "memory"}}, nil
	}

	st := &stubStore{}
	openStore = func(*config.Config) (store.Store, error) { return st, nil }

	defaultProviderFromConfig = func(*config.Config) (llm.Provider, error) {
		return nil, errors.New("provfail")
	}

	if code := runMain(nil); code != 1 {
		t.Fatalf("exit: got %d want %d", code, 1)
	}
	if st.closeCalled != 1 {
		t.Fatalf("store Close: called=%d", st.closeCalled)
	}
	if !strings.Contains(stderrBuf.String(), "provfail") {
		t.Fatalf("stderr: got %q", stderrBuf.String())
	}
}

func TestRunMain_NewServerError_ClosesStore(t *testing.T) {
	restore := saveServerGlobals(t)
	t.Cleanup(restore)

	stderrBuf := &bytes.Buffer{}
	stderrWriter = stderrBuf

	loadConfig = func(string) (*config.Config, error) {
		return &config.Config{Storage: config.StorageConfig{Type: "memory"}}, nil
	}

	st := &stubStore{}
	openStore = func(*config.Config) (store.Store, error) { return st, nil }
	defaultProviderFromConfig = func(*config.Config) (llm.Provider, error) { return noopProvider{}, nil }
	newServer = func(*config.Config, store.Store, llm.Provider, *evaluator.Registry) (*api.Server, error) {
		return nil, errors.New("srvfail")
	}

	if code := runMain(nil); code != 1 {
		t.Fatalf("exit: got %d want %d", code, 1)
	}
	if st.closeCalled != 1 {
		t.Fatalf("store Close: called=%d", st.closeCalled)
	}
	if !strings.Contains(stderrBuf.String(), "srvfail") {
		t.Fatalf("stderr: got %q", stderrBuf.String())
	}
}

func TestRunMain_RunError_ClosesStore(t *testing.T) {
	restore := saveServerGlobals(t)
	t.Cleanup(restore)

	stderrBuf := &bytes.Buffer{}
	stderrWriter = stderrBuf

	loadConfig = func(string) (*config.Config, error) {
		return &config.Config{Storage: config.StorageConfig{Type: "memory"}}, nil
	}

	st := &stubStore{}
	openStore = func(*config.Config) (store.Store, error) { return st, nil }
	defaultProviderFromConfig = func(*config.Config) (llm.Provider, error) { return noopProvider{}, nil }

	runServer = func(*api.Server, string) error { return errors.New("runfail") }
	newServer = func(*config.Config, store.Store, llm.Provider, *evaluator.Registry) (*api.Server, error) {
		return &api.Server{}, nil
	}

	if code := runMain(nil); code != 1 {
		t.Fatalf("exit: got %d want %d", code, 1)
	}
	if st.closeCalled != 1 {
		t.Fatalf("store Close: called=%d", st.closeCalled)
	}
	if !strings.Contains(stderrBuf.String(), "runfail") {
		t.Fatalf("stderr: got %q", stderrBuf.String())
	}
}

func TestDefaultEvaluators(t *testing.T) {
	reg := defaultEvaluators(noopProvider{})
	all := reg.All()
	if len(all) != 3 {
		t.Fatalf("evaluators: got %d want %d", len(all), 3)
	}
}

func TestMain_ExitCodePropagates(t *testing.T) {
	restore := saveServerGlobals(t)
	t.Cleanup(restore)

	stderrWriter = &bytes.Buffer{}

	cfg := &config.Config{Storage: config.StorageConfig{Type: "memory"}}
	loadConfig = func(string) (*config.Config, error) { return cfg, nil }
	openStore = func(*config.Config) (store.Store, error) { return &stubStore{}, nil }
	defaultProviderFromConfig = func(*config.Config) (llm.Provider, error) { return noopProvider{}, nil }
	newServer = func(*config.Config, store.Store, llm.Provider, *evaluator.Registry) (*api.Server, error) {
		return &api.Server{}, nil
	}
	runServer = func(*api.Server, string) error { return nil }

	oldArgs := append([]string(nil), os.Args...)
	t.Cleanup(func() { os.Args = oldArgs })
	os.Args = []string{"server", "-addr", "127.0.0.1:9999"}

	exitCode := -1
	osExit = func(code int) { exitCode = code }

	main()

	if exitCode != 0 {
		t.Fatalf("exit: got %d want %d", exitCode, 0)
	}
}
