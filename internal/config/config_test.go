package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/cmdtlm/internal/rawlog"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

const yamlConfig = `
definitions:
  - path: targets/inst.txt
    target: INST2
interfaces:
  - name: inst_int
    type: serial
    targets: [INST2]
    write_port: /dev/ttyUSB0
    read_port: /dev/ttyUSB0
    serial:
      baud_rate: 115200
      parity: even
    protocol: [TERMINATED, "0x0D0A", "0x0D0A", "true"]
    raw_log_dir: /var/log/cmdtlm
  - name: replay
    type: pcap
    targets: [INST2]
    path: captures/run1.pcap
    udp_port: 2368
    reconnect_delay: 0s
db_path: /tmp/tlm.db
limits_set: tvac
health_listen: ":50051"
`

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "engine.yaml", yamlConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	dir := filepath.Dir(path)

	if got := cfg.Definitions[0].Path; got != filepath.Join(dir, "targets/inst.txt") {
		t.Errorf("definition path = %q", got)
	}
	if cfg.Definitions[0].Target != "INST2" {
		t.Errorf("definition target = %q", cfg.Definitions[0].Target)
	}
	if cfg.GetDBPath() != "/tmp/tlm.db" {
		t.Errorf("GetDBPath() = %q", cfg.GetDBPath())
	}
	if cfg.GetLimitsSet() != "TVAC" {
		t.Errorf("GetLimitsSet() = %q", cfg.GetLimitsSet())
	}
	if cfg.GetDebugListen() != ":8080" {
		t.Errorf("GetDebugListen() = %q", cfg.GetDebugListen())
	}
	if cfg.GetHealthListen() != ":50051" {
		t.Errorf("GetHealthListen() = %q", cfg.GetHealthListen())
	}
	if cfg.GetReconnectDelay() != 5*time.Second {
		t.Errorf("GetReconnectDelay() = %v", cfg.GetReconnectDelay())
	}

	serial := cfg.Interfaces[0]
	opts := serial.GetSerial()
	if opts.BaudRate != 115200 || opts.Parity != "E" || opts.DataBits != 8 || opts.StopBits != 1 {
		t.Errorf("GetSerial() = %+v", opts)
	}
	if !serial.GetRawLogEnabled() {
		t.Error("raw logging should default on when a directory is set")
	}
	if serial.GetRawLogCycle() != rawlog.DefaultCycleSize {
		t.Errorf("GetRawLogCycle() = %d", serial.GetRawLogCycle())
	}
	if _, err := serial.BuildProtocol(); err != nil {
		t.Errorf("BuildProtocol() error = %v", err)
	}

	replay := cfg.Interfaces[1]
	if replay.Path != filepath.Join(dir, "captures/run1.pcap") {
		t.Errorf("pcap path = %q", replay.Path)
	}
	if replay.GetReconnectDelay(cfg.GetReconnectDelay()) != 0 {
		t.Errorf("pcap reconnect delay = %v, want 0", replay.GetReconnectDelay(time.Second))
	}
	if replay.GetRawLogEnabled() {
		t.Error("raw logging should default off without a directory")
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "engine.json", `{
  "definitions": [{"path": "/defs/inst.txt"}],
  "interfaces": [
    {"name": "net", "type": "tcp", "targets": ["INST"], "read_address": "127.0.0.1:9000", "reconnect_delay": "250ms"}
  ],
  "debug_listen": ""
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Definitions[0].Path != "/defs/inst.txt" {
		t.Errorf("absolute path rewritten to %q", cfg.Definitions[0].Path)
	}
	if cfg.GetDebugListen() != "" {
		t.Errorf("GetDebugListen() = %q, want empty", cfg.GetDebugListen())
	}
	if cfg.GetLimitsSet() != "DEFAULT" || cfg.GetDBPath() != "cmdtlm.db" {
		t.Errorf("defaults = %q %q", cfg.GetLimitsSet(), cfg.GetDBPath())
	}
	if d := cfg.Interfaces[0].GetReconnectDelay(time.Second); d != 250*time.Millisecond {
		t.Errorf("interface reconnect delay = %v", d)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "engine.toml", `
db_path = "tlm.db"
reconnect_delay = "2s"

[[definitions]]
path = "inst.txt"

[[interfaces]]
name = "radio"
type = "udp"
targets = ["INST"]
listen_address = ":9000"
write_address = "127.0.0.1:9001"

[interfaces.options]
RCVBUF = ["65536"]

[[interfaces]]
name = "uart"
type = "serial"
targets = ["INST"]
read_port = "/dev/ttyS1"
write_port = "nil"

[interfaces.serial]
baud_rate = 57600
flow_control = "rtscts"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if want := filepath.Join(filepath.Dir(path), "inst.txt"); cfg.Definitions[0].Path != want {
		t.Errorf("definition path = %q, want %q", cfg.Definitions[0].Path, want)
	}
	if cfg.GetDBPath() != "tlm.db" || cfg.GetReconnectDelay() != 2*time.Second {
		t.Errorf("db path %q, reconnect delay %v", cfg.GetDBPath(), cfg.GetReconnectDelay())
	}
	if len(cfg.Interfaces) != 2 {
		t.Fatalf("interfaces = %d, want 2", len(cfg.Interfaces))
	}
	if got := cfg.Interfaces[0].Options["RCVBUF"]; len(got) != 1 || got[0] != "65536" {
		t.Errorf("RCVBUF option = %v", got)
	}
	opts := cfg.Interfaces[1].GetSerial()
	if opts.BaudRate != 57600 || opts.FlowControl != "RTSCTS" || opts.DataBits != 8 {
		t.Errorf("serial options = %+v", opts)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"extension", "engine.ini", "", "extension"},
		{"toml parse", "engine.toml", "definitions = [", "failed to parse"},
		{"parse", "engine.json", "{", "failed to parse"},
		{"no definitions", "engine.yaml", "interfaces: []", "definition"},
		{"unknown type", "engine.yaml", "definitions: [{path: a}]\ninterfaces: [{name: a, type: can, targets: [T]}]", "unknown interface type"},
		{"no targets", "engine.yaml", "definitions: [{path: a}]\ninterfaces: [{name: a, type: tcp, read_address: x}]", "no targets"},
		{"duplicate", "engine.yaml", "definitions: [{path: a}]\ninterfaces: [{name: a, type: tcp, targets: [T], read_address: x}, {name: A, type: tcp, targets: [T], read_address: x}]", "defined twice"},
		{"serial ports", "engine.yaml", "definitions: [{path: a}]\ninterfaces: [{name: a, type: serial, targets: [T], write_port: nil}]", "read_port or write_port"},
		{"serial options", "engine.yaml", "definitions: [{path: a}]\ninterfaces: [{name: a, type: serial, targets: [T], read_port: /dev/x, serial: {data_bits: 9}}]", "data bits"},
		{"protocol", "engine.yaml", "definitions: [{path: a}]\ninterfaces: [{name: a, type: udp, targets: [T], listen_address: x, protocol: [SLIP]}]", "SLIP"},
		{"pcap port", "engine.yaml", "definitions: [{path: a}]\ninterfaces: [{name: a, type: pcap, targets: [T], path: x.pcap, udp_port: 70000}]", "out of range"},
		{"delay", "engine.yaml", "definitions: [{path: a}]\nreconnect_delay: soon", "reconnect_delay"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tc.file, tc.content))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Load() error = %v, want it to contain %q", err, tc.want)
			}
		})
	}
}

func TestLoadTooLarge(t *testing.T) {
	path := writeFile(t, "engine.json", strings.Repeat(" ", maxFileSize+1))
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("Load() error = %v", err)
	}
}
