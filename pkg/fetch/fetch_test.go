package fetch_test

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/periscope-ps/peri-client-scripts/pkg/artifact"
	"github.com/periscope-ps/peri-client-scripts/pkg/command"
	"github.com/periscope-ps/peri-client-scripts/pkg/fetch"
	"github.com/periscope-ps/peri-client-scripts/pkg/registry"
)

func newStore(t *testing.T) *artifact.Store {
	t.Helper()
	s, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func script(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "omni.sh")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

// ─── omni ─────────────────────────────────────────────────────────────────────

// fakeOmni writes its argv and a fixed rspec to --outputfile.
const fakeOmni = `
for a in "$@"; do
  case "$a" in
    --outputfile=*) out="${a#--outputfile=}" ;;
  esac
done
printf '<rspec type="advertisement">%s %s %s %s %s</rspec>' "$1" "$2" "$3" "$4" "$5" > "$out"
`

func TestOmniFetch(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	f := &fetch.OmniFetcher{Exec: script(t, fakeOmni), Conf: "/etc/omni_config", Store: s}
	ep := registry.Endpoint{ID: "urn:publicid:IDN+emulab.net+authority+cm", Location: "https://www.emulab.net:12369/protogeni/xmlrpc/am"}

	a, err := f.Fetch(t.Context(), ep)
	require.NoError(t, err)
	assert.Equal(t, ep.ID, a.Owner)
	assert.Equal(t, artifact.KindRaw, a.Kind)

	got, err := s.ReadAll(a)
	require.NoError(t, err)
	assert.Equal(t, `<rspec type="advertisement">-c /etc/omni_config -a `+ep.Location+` listresources</rspec>`, string(got))
}

func TestOmniFetchLogs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	f := &fetch.OmniFetcher{Exec: script(t, fakeOmni), Conf: "/etc/omni_config", Store: newStore(t),
		Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	_, err := f.Fetch(t.Context(), registry.Endpoint{ID: "urn:a", Location: "https://am.example.net/am"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "pulling aggregate manager")
	assert.Contains(t, buf.String(), "endpoint=urn:a")
}

func TestOmniFetchNonzeroExit(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	f := &fetch.OmniFetcher{Exec: script(t, "exit 3"), Conf: "c", Store: s}

	_, err := f.Fetch(t.Context(), registry.Endpoint{ID: "urn:a", Location: "http://a"})
	require.Error(t, err)
	code, ok := command.Code(err)
	require.True(t, ok)
	assert.Equal(t, 3, code)
	assert.Equal(t, 0, s.Len(), "failed fetch must release its artifact")
}

func TestOmniFetchMissingOutput(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	// exits 0 but removes the declared output file
	body := `for a in "$@"; do case "$a" in --outputfile=*) rm -f "${a#--outputfile=}";; esac; done`
	f := &fetch.OmniFetcher{Exec: script(t, body), Conf: "c", Store: s}

	_, err := f.Fetch(t.Context(), registry.Endpoint{ID: "urn:a", Location: "http://a"})
	assert.ErrorIs(t, err, fetch.ErrMissingOutput)
	assert.Equal(t, 0, s.Len())
}

// ─── SOAP ─────────────────────────────────────────────────────────────────────

const topologyResponse = `<?xml version="1.0" encoding="UTF-8"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/">
<SOAP-ENV:Body>
<nmwg:message xmlns:nmwg="http://ggf.org/ns/nmwg/base/2.0/" type="TSQueryResponse">
  <nmwg:data>
    <nmtb:topology xmlns:nmtb="http://ogf.org/schema/network/topology/base/20070828/" id="topo1">
      <nmtb:domain id="urn:ogf:network:domain=es.net">
        <nmtb:node id="urn:ogf:network:domain=es.net:node=chic">
          <nmtb:name type="string">chic-cr1 &amp; friends</nmtb:name>
        </nmtb:node>
      </nmtb:domain>
    </nmtb:topology>
  </nmwg:data>
</nmwg:message>
</SOAP-ENV:Body>
</SOAP-ENV:Envelope>`

const emptyResponse = `<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/">
<SOAP-ENV:Body><nmwg:message xmlns:nmwg="http://ggf.org/ns/nmwg/base/2.0/" type="TSQueryResponse"/></SOAP-ENV:Body>
</SOAP-ENV:Envelope>`

type topoDoc struct {
	XMLName xml.Name `xml:"http://ogf.org/schema/network/topology/base/20070828/ topology"`
	ID      string   `xml:"id,attr"`
	Domain  struct {
		ID   string `xml:"id,attr"`
		Node struct {
			ID   string `xml:"id,attr"`
			Name string `xml:"name"`
		} `xml:"node"`
	} `xml:"domain"`
}

func TestSOAPFetch(t *testing.T) {
	t.Parallel()
	var gotAction, gotType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotAction = r.Header.Get("SOAPAction")
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = io.WriteString(w, topologyResponse)
	}))
	defer srv.Close()

	s := newStore(t)
	f := &fetch.SOAPFetcher{Client: srv.Client(), Store: s}
	a, err := f.Fetch(t.Context(), registry.Endpoint{ID: "urn:ps:esnet", Location: srv.URL})
	require.NoError(t, err)

	assert.Equal(t, fetch.SOAPAction, gotAction)
	assert.Equal(t, `text/xml; charset="UTF-8"`, gotType)
	assert.Contains(t, gotBody, "<SOAP-ENV:Body>")
	assert.Contains(t, gotBody, `type="TSQueryRequest"`)

	raw, err := s.ReadAll(a)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "nmwg:message")

	var doc topoDoc
	require.NoError(t, xml.Unmarshal(raw, &doc))
	assert.Equal(t, "topo1", doc.ID)
	assert.Equal(t, "urn:ogf:network:domain=es.net", doc.Domain.ID)
	assert.Equal(t, "urn:ogf:network:domain=es.net:node=chic", doc.Domain.Node.ID)
	assert.Equal(t, "chic-cr1 & friends", doc.Domain.Node.Name)
}

func TestSOAPFetchNoTopology(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, emptyResponse)
	}))
	defer srv.Close()

	s := newStore(t)
	f := &fetch.SOAPFetcher{Client: srv.Client(), Store: s}
	_, err := f.Fetch(t.Context(), registry.Endpoint{ID: "urn:x", Location: srv.URL})
	assert.ErrorIs(t, err, fetch.ErrNoTopology)
	assert.Equal(t, 0, s.Len())
}

func TestSOAPFetchHTTPStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := &fetch.SOAPFetcher{Client: srv.Client(), Store: newStore(t)}
	_, err := f.Fetch(t.Context(), registry.Endpoint{ID: "urn:x", Location: srv.URL})
	var te *fetch.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusInternalServerError, te.Status)
	assert.Equal(t, "urn:x", te.Endpoint)
}

func TestSOAPFetchConnectionRefused(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f := &fetch.SOAPFetcher{Store: newStore(t)}
	_, err := f.Fetch(t.Context(), registry.Endpoint{ID: "urn:x", Location: url})
	var te *fetch.TransportError
	require.True(t, errors.As(err, &te))
	assert.Zero(t, te.Status)
}

func TestExtractTopologyMalformed(t *testing.T) {
	t.Parallel()
	_, err := fetch.ExtractTopology(strings.NewReader(`<a><nmtb:topology xmlns:nmtb="` + fetch.TopologyNS + `"><b>`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, fetch.ErrNoTopology)
}

func TestExtractTopologyIgnoresOtherNamespaces(t *testing.T) {
	t.Parallel()
	_, err := fetch.ExtractTopology(strings.NewReader(`<a xmlns:x="urn:other"><x:topology/><topology/></a>`))
	assert.ErrorIs(t, err, fetch.ErrNoTopology)
}

func TestExtractTopologyKeepsNamespacesByURI(t *testing.T) {
	t.Parallel()
	const xsi = "http://www.w3.org/2001/XMLSchema-instance"
	in := `<m xmlns:nmtb="` + fetch.TopologyNS + `" xmlns:xsi="` + xsi + `">` +
		`<nmtb:topology id="t"><nmtb:port xsi:type="nmtb:PortType" id="p"/></nmtb:topology></m>`

	out, err := fetch.ExtractTopology(strings.NewReader(in))
	require.NoError(t, err)
	assert.NotContains(t, string(out), "nmtb:topology", "elements use a default namespace")

	dec := xml.NewDecoder(strings.NewReader(string(out)))
	var port *xml.StartElement
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "port" {
			port = &se
		}
	}
	require.NotNil(t, port)
	assert.Equal(t, fetch.TopologyNS, port.Name.Space)

	var typ *xml.Attr
	for i, a := range port.Attr {
		if a.Name.Local == "type" {
			typ = &port.Attr[i]
		}
	}
	require.NotNil(t, typ)
	assert.Equal(t, xsi, typ.Name.Space, "attribute namespace survives under a new prefix")
	assert.Equal(t, "nmtb:PortType", typ.Value, "QName content is copied verbatim")
}

func TestEnvelope(t *testing.T) {
	t.Parallel()
	env := fetch.Envelope("<payload/>")
	var doc struct {
		XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
		Body    struct {
			Inner []byte `xml:",innerxml"`
		} `xml:"http://schemas.xmlsoap.org/soap/envelope/ Body"`
	}
	require.NoError(t, xml.Unmarshal([]byte(env), &doc))
	assert.Equal(t, "<payload/>", strings.TrimSpace(string(doc.Body.Inner)))
}
