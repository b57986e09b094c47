//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"syscall"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	repoRootRel  = ".." // relative to ./e2e
	mainPkgRel   = "./cmd/dht-bridge"
	publishTopic = "temp-humidity/mqtt/esp32/publish"
)

var mqttPort = nat.Port("1883/tcp")

var compactPayload = regexp.MustCompile(`^\{temp:-?\d+\.\d, humidity:\d+\.\d\}$`)

func TestSmoke_PublishesSimReadings(t *testing.T) {
	repoRoot := repoRootPath(t)
	brokerURL := startMosquitto(t)

	received := subscribe(t, brokerURL, publishTopic)

	bin := buildBinary(t, repoRoot)
	addr := pickFreeAddr(t)

	cmd := exec.Command(bin)
	cmd.Env = append(os.Environ(),
		"APP_ENV=dev",
		"LOG_LEVEL=debug",
		"HTTP_ADDR="+addr,
		"MQTT_BROKER_URL="+brokerURL,
		"SENSOR_DRIVER=sim",
		"SENSOR_POLL_INTERVAL=2s",
		"HISTORY_DB_PATH="+filepath.Join(t.TempDir(), "history.db"),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	select {
	case msg := <-received:
		if !compactPayload.Match(msg) {
			t.Fatalf("payload %q does not match %s", msg, compactPayload)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("no reading published within 20s")
	}

	client := &http.Client{Timeout: 2 * time.Second}
	var health struct {
		Status string `json:"status"`
		MQTT   string `json:"mqtt"`
		BootID string `json:"boot_id"`
	}
	getJSON(t, client, "http://"+addr+"/healthz", &health)
	if health.MQTT != "connected" || health.Status != "ok" || health.BootID == "" {
		t.Fatalf("healthz = %+v", health)
	}

	var readings struct {
		Items []map[string]any `json:"items"`
	}
	getJSON(t, client, "http://"+addr+"/api/v1/readings?limit=5", &readings)
	if len(readings.Items) == 0 {
		t.Fatal("journal has no readings")
	}

	stopBridge(t, cmd)
}

func startMosquitto(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := tc.ContainerRequest{
		Image:        "eclipse-mosquitto:2",
		Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		ExposedPorts: []string{string(mqttPort)},
		WaitingFor:   wait.ForListeningPort(mqttPort).WithStartupTimeout(30 * time.Second),
	}

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start mosquitto container: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(ctx)
	})

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, mqttPort)
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return "tcp://" + net.JoinHostPort(host, port.Port())
}

func subscribe(t *testing.T, brokerURL, topic string) <-chan []byte {
	t.Helper()

	out := make(chan []byte, 16)
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID("e2e-observer").
		SetConnectTimeout(10 * time.Second)
	client := mqtt.NewClient(opts)

	if token := client.Connect(); !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		t.Fatalf("observer connect: %v", token.Error())
	}
	t.Cleanup(func() { client.Disconnect(250) })

	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case out <- append([]byte(nil), msg.Payload()...):
		default:
		}
	})
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		t.Fatalf("observer subscribe: %v", token.Error())
	}
	return out
}

func repoRootPath(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}

	repo := filepath.Clean(filepath.Join(wd, repoRootRel))
	if _, err := os.Stat(filepath.Join(repo, "go.mod")); err != nil {
		t.Fatalf("repo root %q does not contain go.mod: %v", repo, err)
	}

	return repo
}

func buildBinary(t *testing.T, repoRoot string) string {
	t.Helper()

	out := filepath.Join(t.TempDir(), "dht-bridge")

	build := exec.Command("go", "build", "-o", out, mainPkgRel)
	build.Dir = repoRoot
	build.Env = os.Environ()

	b, err := build.CombinedOutput()
	if err != nil {
		t.Fatalf("go build failed: %v\n%s", err, string(b))
	}

	return out
}

func pickFreeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen :0: %v", err)
	}
	defer ln.Close()

	return ln.Addr().String()
}

func getJSON(t *testing.T, client *http.Client, url string, out any) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := client.Get(url)
		if err == nil {
			if resp.StatusCode == http.StatusOK {
				defer resp.Body.Close()
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					t.Fatalf("decode %s: %v", url, err)
				}
				return
			}
			_ = resp.Body.Close()
		}
		if time.Now().After(deadline) {
			t.Fatalf("GET %s not OK after 5s (last error: %v)", url, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func stopBridge(t *testing.T, cmd *exec.Cmd) {
	t.Helper()

	_ = cmd.Process.Signal(syscall.SIGTERM)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		t.Fatalf("bridge did not exit in time")
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				t.Fatalf("bridge exited non-zero: %v", err)
			}
			t.Fatalf("bridge wait error: %v", err)
		}
	}
}
