package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bastom.dev/internal/observerproto"
)

const defaultServerURL = "http://127.0.0.1:25565"

// printState summarizes GET /admin/v1/state, or prints the body with -json.
func printState(args []string) error {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", defaultServerURL, "server base url")
	raw := fs.Bool("json", false, "print the raw response")
	_ = fs.Parse(args)

	var st observerproto.StateResponse
	body, err := adminCall(http.MethodGet, *baseURL, "/admin/v1/state", 5*time.Second, &st)
	if err != nil {
		return err
	}
	if *raw {
		fmt.Println(strings.TrimSpace(string(body)))
		return nil
	}

	m, p := st.Metrics, st.WorldParams
	fmt.Printf("world=%s tick=%d phase=%s tps=%d gen=%s seed=%d\n", st.WorldID, st.Tick, m.Phase, p.TickRateHz, p.Generator, p.Seed)
	fmt.Printf("entities=%d sessions=%d chunks=%d queue=%d step_ms=%.2f\n", m.Entities, m.Sessions, m.LoadedChunks, m.QueueDepth, m.StepMS)
	fmt.Printf("overruns=%d dropped_ticks=%d ignored=%d overloaded=%d corrupt_chunks=%d\n",
		m.Overruns, m.DroppedTicks, m.IgnoredCommands, m.Overloaded, m.CorruptChunks)
	for _, pl := range st.Players {
		fmt.Printf("  %-16s entity=%d session=%s\n", pl.Name, pl.Entity, pl.Session)
	}
	return nil
}

// requestSnapshot asks the server to checkpoint at the end of the next tick.
func requestSnapshot(args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	baseURL := fs.String("url", defaultServerURL, "server base url")
	_ = fs.Parse(args)

	var res observerproto.SnapshotResponse
	if _, err := adminCall(http.MethodPost, *baseURL, "/admin/v1/snapshot", 10*time.Second, &res); err != nil {
		return err
	}
	fmt.Printf("snapshot requested at tick=%d\n", res.Tick)
	return nil
}

// adminCall decodes a 2xx JSON body into out and returns the body. Any other
// status is an error carrying the body text.
func adminCall(method, baseURL, path string, timeout time.Duration, out any) ([]byte, error) {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return nil, err
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return body, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return body, fmt.Errorf("decode %s: %w", path, err)
	}
	return body, nil
}
