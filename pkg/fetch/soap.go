package fetch

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/periscope-ps/peri-client-scripts/pkg/artifact"
	"github.com/periscope-ps/peri-client-scripts/pkg/registry"
)

const (
	// TopologyNS is the OGF network topology base namespace.
	TopologyNS = "http://ogf.org/schema/network/topology/base/20070828/"

	// SOAPAction is sent with every topology service request.
	SOAPAction = "http://ggf.org/ns/nmwg/base/2.0/message/"

	soapContentType = `text/xml; charset="UTF-8"`
)

// TopologyQuery asks a perfSONAR topology service for its whole topology.
const TopologyQuery = `<nmwg:message type="TSQueryRequest" id="msg1"
    xmlns:nmwg="http://ggf.org/ns/nmwg/base/2.0/"
    xmlns:xquery="http://ggf.org/ns/nmwg/tools/org/perfsonar/service/lookup/xquery/1.0/">
  <nmwg:metadata id="meta1">
    <nmwg:eventType>http://ggf.org/ns/nmwg/topology/20070809</nmwg:eventType>
  </nmwg:metadata>
  <nmwg:data metadataIdRef="meta1" id="d1" />
</nmwg:message>`

// Envelope wraps content in a SOAP 1.1 envelope body.
func Envelope(content string) string {
	var sb strings.Builder
	sb.WriteString(`<SOAP-ENV:Envelope xmlns:SOAP-ENC="http://schemas.xmlsoap.org/soap/encoding/"` + "\n")
	sb.WriteString(`    xmlns:xsd="http://www.w3.org/2001/XMLSchema"` + "\n")
	sb.WriteString(`    xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"` + "\n")
	sb.WriteString(`    xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/">` + "\n")
	sb.WriteString("<SOAP-ENV:Header/>\n<SOAP-ENV:Body>\n")
	sb.WriteString(content)
	sb.WriteString("\n</SOAP-ENV:Body>\n</SOAP-ENV:Envelope>\n")
	return sb.String()
}

// SOAPFetcher pulls topologies from perfSONAR topology services.
type SOAPFetcher struct {
	Client *http.Client // nil means http.DefaultClient
	Store  *artifact.Store
	Logger *slog.Logger
	Query  string // "" means TopologyQuery
}

// Fetch posts the topology query to ep and stores the topology element of
// the response. A response without one yields ErrNoTopology.
func (f *SOAPFetcher) Fetch(ctx context.Context, ep registry.Endpoint) (artifact.Artifact, error) {
	query := f.Query
	if query == "" {
		query = TopologyQuery
	}
	log := f.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log.Info("pulling topology service", "endpoint", ep.ID, "url", ep.Location)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.Location, strings.NewReader(Envelope(query)))
	if err != nil {
		return artifact.Artifact{}, &TransportError{Endpoint: ep.ID, Cause: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", soapContentType)
	req.Header.Set("SOAPAction", SOAPAction)

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return artifact.Artifact{}, &TransportError{Endpoint: ep.ID, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return artifact.Artifact{}, &TransportError{
			Endpoint: ep.ID,
			Status:   resp.StatusCode,
			Cause:    fmt.Errorf("status %s", resp.Status),
		}
	}

	topo, err := ExtractTopology(resp.Body)
	if err != nil {
		if errors.Is(err, ErrNoTopology) {
			return artifact.Artifact{}, fmt.Errorf("fetch %q: %w", ep.ID, err)
		}
		return artifact.Artifact{}, &TransportError{Endpoint: ep.ID, Cause: err}
	}
	return f.Store.Write(ep.ID, artifact.KindRaw, bytes.NewReader(topo))
}

// ExtractTopology returns the first {TopologyNS}topology element found
// anywhere in r, serialised as a standalone document fragment.
//
// The fragment is re-encoded from resolved names, so it is equivalent to the
// source by namespace URI but not by prefix. Elements are written with a
// default xmlns and namespaced attributes get generated prefixes. Prefixes
// that appear inside attribute values or text (xsi:type="nmtb:PortType" and
// similar QName content) are copied verbatim and may no longer be bound.
func ExtractTopology(r io.Reader) ([]byte, error) {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, ErrNoTopology
		}
		if err != nil {
			return nil, fmt.Errorf("parse response: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Space != TopologyNS || se.Name.Local != "topology" {
			continue
		}
		return copyElement(dec, se)
	}
}

// copyElement re-encodes se and everything up to its matching end tag.
func copyElement(dec *xml.Decoder, se xml.StartElement) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := enc.EncodeToken(stripNSDecls(se)); err != nil {
		return nil, fmt.Errorf("encode topology: %w", err)
	}
	for depth := 1; depth > 0; {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("parse topology: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			tok = stripNSDecls(t)
		case xml.EndElement:
			depth--
		case xml.ProcInst, xml.Directive:
			continue
		}
		if err := enc.EncodeToken(xml.CopyToken(tok)); err != nil {
			return nil, fmt.Errorf("encode topology: %w", err)
		}
	}
	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("encode topology: %w", err)
	}
	return buf.Bytes(), nil
}

// stripNSDecls drops xmlns attributes; the encoder re-declares namespaces
// from the resolved element and attribute names.
func stripNSDecls(se xml.StartElement) xml.StartElement {
	attrs := make([]xml.Attr, 0, len(se.Attr))
	for _, a := range se.Attr {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		attrs = append(attrs, a)
	}
	se.Attr = attrs
	return se
}
