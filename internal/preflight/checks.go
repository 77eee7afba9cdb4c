package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sys/unix"

	"lockbox/internal/clock"
	"lockbox/internal/config"
	"lockbox/internal/hardware"
	"lockbox/internal/hardware/sim"
	"lockbox/internal/lockbox"
	"lockbox/internal/logging"
)

const checkTimeout = 5 * time.Second

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckBind verifies the API address can be bound.
func CheckBind(addr string) Result {
	const name = "API bind"
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", addr, err)}
	}
	_ = ln.Close()
	return Result{Name: name, Passed: true, Detail: addr}
}

// CheckSequence builds a lockbox on the simulated plant to confirm the
// configured strategy, inputs, outputs and stages fit together.
func CheckSequence(cfg *config.Config) Result {
	const name = "Lock sequence"
	_, inputs, outputs, err := sim.NewFromConfig(cfg)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	opts := hardware.LockboxOptions(cfg, inputs, outputs, logging.NewNop(), clock.Real())
	lb, err := lockbox.New(opts)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	lb.Close()
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%d stage(s), strategy %s", len(opts.Sequence), lb.Strategy())}
}

// CheckRedis pings the Redis server backing the state bus.
func CheckRedis(ctx context.Context, addr string) Result {
	const name = "Redis"
	if strings.TrimSpace(addr) == "" {
		return Result{Name: name, Detail: "missing address"}
	}
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	defer client.Close()
	if err := client.Ping(checkCtx).Err(); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %s)", addr, summarize(err))}
	}
	return Result{Name: name, Passed: true, Detail: addr}
}

// CheckNATS connects to the NATS server backing the state bus.
func CheckNATS(_ context.Context, serverURL string) Result {
	const name = "NATS"
	if strings.TrimSpace(serverURL) == "" {
		return Result{Name: name, Detail: "missing url"}
	}
	conn, err := nats.Connect(serverURL, nats.Timeout(checkTimeout), nats.NoReconnect())
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %s)", serverURL, summarize(err))}
	}
	conn.Close()
	return Result{Name: name, Passed: true, Detail: serverURL}
}

// CheckNtfy queries the health endpoint of the ntfy server hosting topicURL.
func CheckNtfy(ctx context.Context, topicURL string) Result {
	const name = "ntfy"
	parsed, err := url.Parse(strings.TrimSpace(topicURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return Result{Name: name, Detail: fmt.Sprintf("invalid topic url %q", topicURL)}
	}
	health := parsed.Scheme + "://" + parsed.Host + "/v1/health"

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, health, nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("health check failed (%v)", err)}
	}
	resp, err := (&http.Client{Timeout: checkTimeout}).Do(req)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("health check failed (%s)", summarize(err))}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{Name: name, Detail: fmt.Sprintf("health check failed (%d)", resp.StatusCode)}
	}
	return Result{Name: name, Passed: true, Detail: "Reachable"}
}

func summarize(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timed out"
	}
	return err.Error()
}
