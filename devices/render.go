package devices

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/jmcleod/ovpnkeeper/pki"
)

// ConfigExtension is appended to exported client configuration names.
const ConfigExtension = ".ovpn"

// BundleExtension is appended to exported PKCS#12 bundle names.
const BundleExtension = ".p12"

//go:embed client.ovpn.tmpl
var clientTemplateText string

var clientTemplate = template.Must(template.New("client.ovpn").Parse(clientTemplateText))

type clientParams struct {
	Host         string
	Port         int
	CA           string
	Certificate  string
	PrivateKey   string
	SharedSecret string
}

func renderClientConfig(p clientParams) ([]byte, error) {
	p.CA = strings.TrimSpace(p.CA)
	p.Certificate = strings.TrimSpace(p.Certificate)
	p.PrivateKey = strings.TrimSpace(p.PrivateKey)
	p.SharedSecret = strings.TrimSpace(p.SharedSecret)

	var buf bytes.Buffer
	if err := clientTemplate.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("rendering client config: %w", err)
	}
	return buf.Bytes(), nil
}

// ExportName derives a file name from a device name: the escaped name with
// path separators replaced, plus ext.
func ExportName(deviceName, ext string) string {
	r := strings.NewReplacer("/", "_", `\`, "_")
	return r.Replace(pki.EscapeName(deviceName)) + ext
}
