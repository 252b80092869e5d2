package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labcomm/go-astm/e1381"
)

const tcpProfile = `
name = "sysmex-xn"

[link]
mode = "tcp"
host = "10.0.0.5"
port = 4001
role = "server"

[frame]
max_payload = 1024
transfer = "bulk"

[timing]
t1 = "10s"
t2 = "5s"
t3 = "20s"
enq_retry = 3
frame_retry = 4
retry_delay = "250ms"
`

const serialProfile = `
name = "cobas-serial"

[link]
mode = "serial"
device = "/dev/ttyUSB0"
baud = 9600
`

func TestDecode_TCPProfile(t *testing.T) {
	p, err := Decode(tcpProfile)
	require.NoError(t, err)

	assert.Equal(t, "sysmex-xn", p.Name)
	assert.False(t, p.IsSerial())
	assert.True(t, p.IsServer())

	cfg, err := p.ConnectionConfig()
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.Host())
	assert.Equal(t, 4001, cfg.Port())
	assert.True(t, cfg.IsPassive())
	assert.Equal(t, 1024, cfg.MaxPayload())
	assert.Equal(t, e1381.BulkTransfer, cfg.TransferMode())
	assert.Equal(t, 10*time.Second, cfg.T1Timeout())
	assert.Equal(t, 5*time.Second, cfg.T2Timeout())
	assert.Equal(t, 20*time.Second, cfg.T3Timeout())
	assert.Equal(t, 3, cfg.EnqRetryLimit())
	assert.Equal(t, 4, cfg.FrameRetryLimit())
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay())
}

func TestDecode_SerialProfile(t *testing.T) {
	p, err := Decode(serialProfile)
	require.NoError(t, err)

	assert.True(t, p.IsSerial())

	cfg, err := p.ConnectionConfig()
	require.NoError(t, err)

	assert.True(t, cfg.IsSerial())
	assert.Equal(t, "/dev/ttyUSB0", cfg.SerialDevice())
	assert.Equal(t, 9600, cfg.SerialBaud())

	// untouched settings keep the protocol defaults
	assert.Equal(t, e1381.DefaultT1Timeout, cfg.T1Timeout())
	assert.Equal(t, e1381.DefaultMaxPayload, cfg.MaxPayload())
}

func TestDecode_DelimiterOverride(t *testing.T) {
	p, err := Decode(`
[link]
mode = "tcp"
host = "10.0.0.5"
port = 4001

[delimiters]
field = "!"
component = "*"
`)
	require.NoError(t, err)

	cfg, err := p.ConnectionConfig()
	require.NoError(t, err)

	d := cfg.Delimiters()
	assert.Equal(t, byte('!'), d.Field)
	assert.Equal(t, byte('*'), d.Component)
	// unset entries keep the standard characters
	assert.Equal(t, byte('\\'), d.Repeat)
	assert.Equal(t, byte('&'), d.Escape)
}

func TestDecode_UnknownKeyRejected(t *testing.T) {
	_, err := Decode(`
[link]
mode = "tcp"
host = "10.0.0.5"
port = 4001
bogus = true
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")
	assert.Contains(t, err.Error(), "link.bogus")
}

func TestDecode_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		toml string
	}{
		{"missing host", "[link]\nmode = \"tcp\"\nport = 4001\n"},
		{"port out of range", "[link]\nmode = \"tcp\"\nhost = \"10.0.0.5\"\nport = 99999\n"},
		{"unknown mode", "[link]\nmode = \"carrier-pigeon\"\n"},
		{"unknown role", "[link]\nmode = \"tcp\"\nhost = \"10.0.0.5\"\nport = 4001\nrole = \"peer\"\n"},
		{"serial without device", "[link]\nmode = \"serial\"\nbaud = 9600\n"},
		{"serial without baud", "[link]\nmode = \"serial\"\ndevice = \"/dev/ttyUSB0\"\n"},
		{"unknown transfer", "[link]\nmode = \"tcp\"\nhost = \"10.0.0.5\"\nport = 4001\n[frame]\ntransfer = \"streamed\"\n"},
		{"multi-char delimiter", "[link]\nmode = \"tcp\"\nhost = \"10.0.0.5\"\nport = 4001\n[delimiters]\nfield = \"||\"\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.toml)
			require.Error(t, err)
		})
	}
}

func TestOptions_BadDuration(t *testing.T) {
	p, err := Decode(`
[link]
mode = "tcp"
host = "10.0.0.5"
port = 4001

[timing]
t1 = "soon"
`)
	require.NoError(t, err)

	_, err = p.Options()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timing.t1")
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analyzer.toml")
	require.NoError(t, os.WriteFile(path, []byte(tcpProfile), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sysmex-xn", p.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
