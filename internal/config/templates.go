package config

import (
	"fmt"
	"os"
)

func Template() string {
	return handshakerTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(handshakerTemplate), 0o600)
}

const handshakerTemplate = `# handshaker configuration. Every key is optional.

[node]
listen_addr = ":0"

[session]
accept_timeout = "5s"
handshake_timeout = "5s"
receive_timeout = "100ms"
frame_timeout = "5s"
write_timeout = "5s"
tick_interval = "15s"

[epmd]
# Defaults to 127.0.0.1 on $ERL_EPMD_PORT or 4369.
# addr = "127.0.0.1:4369"
timeout = "5s"
max_attempts = 5

[log]
level = "info"
json = false

[diagnostics]
# Empty disables the HTTP endpoint.
addr = ""

[engine]
profiles = ["SRTP_AES128_CM_HMAC_SHA1_80", "SRTP_AEAD_AES_128_GCM"]
handshake_timeout = "5s"
mtu = 0
`
