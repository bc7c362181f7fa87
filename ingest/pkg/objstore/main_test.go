package objstore

import (
	"context"
	"flag"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"

	triplaketesting "github.com/malbeclabs/triplake/utils/pkg/testing"
)

const (
	minioImage    = "minio/minio:RELEASE.2024-01-16T16-07-38Z"
	minioUser     = "triplake"
	minioPassword = "triplake-secret"
)

var (
	sharedMinioEndpoint string
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	log := triplaketesting.NewLogger()
	ctx := context.Background()
	container, err := tcminio.Run(ctx, minioImage,
		tcminio.WithUsername(minioUser),
		tcminio.WithPassword(minioPassword),
	)
	if err != nil {
		log.Error("failed to start minio container", "error", err)
		os.Exit(1)
	}
	addr, err := container.ConnectionString(ctx)
	if err != nil {
		log.Error("failed to get minio address", "error", err)
		os.Exit(1)
	}
	sharedMinioEndpoint = "http://" + addr

	code := m.Run()

	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := testcontainers.TerminateContainer(container, testcontainers.StopContext(terminateCtx)); err != nil {
		log.Error("failed to terminate minio container", "error", err)
	}
	cancel()
	os.Exit(code)
}

func requireMinio(t *testing.T) {
	t.Helper()
	if sharedMinioEndpoint == "" {
		t.Skip("minio container not started in short mode")
	}
}
