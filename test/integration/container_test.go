//go:build integration

package integration

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const defaultPostgresImage = "postgres:16-alpine"

// startPostgres runs a throwaway Postgres container through the Docker CLI,
// published on a port Docker picks, and returns its DSN and a stop function.
// LIMS_TEST_PG_IMAGE overrides the image.
func startPostgres(ctx context.Context) (string, func(), error) {
	image := os.Getenv("LIMS_TEST_PG_IMAGE")
	if image == "" {
		image = defaultPostgresImage
	}
	name := "lims-integration-" + uuid.NewString()[:8]

	out, err := exec.CommandContext(ctx, "docker", "run", "-d", "--rm",
		"--name", name,
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER=lims",
		"-e", "POSTGRES_PASSWORD=lims",
		"-e", "POSTGRES_DB=limstest",
		"-e", "TZ=Asia/Kolkata",
		image,
	).CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("docker run %s: %w\n%s", image, err, out)
	}
	stop := func() { _ = exec.Command("docker", "rm", "-f", name).Run() }

	addr, err := publishedAddr(ctx, name)
	if err != nil {
		stop()
		return "", nil, err
	}
	dsn := fmt.Sprintf("postgres://lims:lims@%s/limstest?sslmode=disable", addr)
	if err := waitReady(ctx, dsn, 30*time.Second); err != nil {
		stop()
		return "", nil, err
	}
	return dsn, stop, nil
}

// publishedAddr asks Docker which host port it bound to the container's 5432.
func publishedAddr(ctx context.Context, name string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", "port", name, "5432/tcp").Output()
	if err != nil {
		return "", fmt.Errorf("docker port %s: %w", name, err)
	}
	// One line per binding, e.g. "127.0.0.1:49153".
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	if _, _, err := net.SplitHostPort(line); err != nil {
		return "", fmt.Errorf("unexpected docker port output %q: %w", out, err)
	}
	return line, nil
}

// waitReady polls until the server answers a query. The first connections
// are refused while initdb runs.
func waitReady(ctx context.Context, dsn string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	var lastErr error
	for {
		conn, err := pgx.Connect(ctx, dsn)
		if err == nil {
			var one int
			err = conn.QueryRow(ctx, "SELECT 1").Scan(&one)
			conn.Close(context.Background())
			if err == nil {
				return nil
			}
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not ready after %s: %w", timeout, lastErr)
		case <-tick.C:
		}
	}
}
