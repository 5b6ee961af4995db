package metadata

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/openbib/recsync/pkg/recsync/internalerr"
	"github.com/openbib/recsync/pkg/recsync/store"
)

// fieldParser reads a field-map payload, either a JSON object or a
// <record><field name="...">value</field></record> XML document. XML
// payloads may declare any encoding the charset package can resolve.
type fieldParser struct {
	format   string
	oaiID    string
	sourceID string
	rawXML   string
	fields   map[string]interface{}
}

// NewFieldParser is the built-in Factory.
func NewFieldParser(format string, payload []byte, oaiID, sourceID string) (Parser, error) {
	p := &fieldParser{
		format:   format,
		oaiID:    oaiID,
		sourceID: sourceID,
		fields:   make(map[string]interface{}),
	}

	trimmed := bytes.TrimSpace(payload)
	switch {
	case len(trimmed) == 0:
	case trimmed[0] == '<':
		p.rawXML = string(trimmed)
		if err := p.parseXML(trimmed); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(trimmed, &p.fields); err != nil {
			return nil, fmt.Errorf("%w: record %s: %v", internalerr.ErrParse, oaiID, err)
		}
	}
	return p, nil
}

type xmlRecord struct {
	XMLName xml.Name   `xml:"record"`
	Fields  []xmlField `xml:"field"`
}

type xmlField struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

func (p *fieldParser) parseXML(payload []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(payload))
	dec.CharsetReader = charset.NewReaderLabel

	var rec xmlRecord
	if err := dec.Decode(&rec); err != nil {
		return fmt.Errorf("%w: record %s: %v", internalerr.ErrParse, p.oaiID, err)
	}
	for _, f := range rec.Fields {
		if f.Name == "" {
			continue
		}
		value := strings.TrimSpace(f.Value)
		switch existing := p.fields[f.Name].(type) {
		case nil:
			p.fields[f.Name] = value
		case string:
			p.fields[f.Name] = []interface{}{existing, value}
		case []interface{}:
			p.fields[f.Name] = append(existing, value)
		}
	}
	return nil
}

// Project returns a copy of the field map.
func (p *fieldParser) Project() (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(p.fields))
	for k, v := range p.fields {
		if list, ok := v.([]interface{}); ok {
			out[k] = append([]interface{}(nil), list...)
			continue
		}
		out[k] = v
	}
	return out, nil
}

// XML returns the original XML payload, or a serialization of the field
// map when the payload was JSON.
func (p *fieldParser) XML() (string, error) {
	if p.rawXML != "" {
		return p.rawXML, nil
	}

	var buf bytes.Buffer
	buf.WriteString("<record>")
	for _, name := range sortedKeys(p.fields) {
		for _, v := range valueList(p.fields[name]) {
			buf.WriteString(`<field name="`)
			xml.EscapeText(&buf, []byte(name))
			buf.WriteString(`">`)
			xml.EscapeText(&buf, []byte(v))
			buf.WriteString(`</field>`)
		}
	}
	buf.WriteString("</record>")
	return buf.String(), nil
}

func (p *fieldParser) Title() string { return p.stringField("title") }

func (p *fieldParser) ContainerTitle() string     { return p.stringField("container_title") }
func (p *fieldParser) ContainerVolume() string    { return p.stringField("container_volume") }
func (p *fieldParser) ContainerIssue() string     { return p.stringField("container_issue") }
func (p *fieldParser) ContainerStartPage() string { return p.stringField("container_start_page") }
func (p *fieldParser) ContainerReference() string { return p.stringField("container_reference") }

// MergeComponentParts folds component titles into the host's contents and
// component authors into author2.
func (p *fieldParser) MergeComponentParts(parts []store.Record) (int, error) {
	merged := 0
	for _, part := range parts {
		cp, err := NewFieldParser(part.Format, part.Payload, part.OAIID, part.SourceID)
		if err != nil {
			return merged, err
		}
		fields, err := cp.Project()
		if err != nil {
			return merged, err
		}
		if title := stringValue(fields["title"]); title != "" {
			p.appendField("contents", title)
		}
		for _, key := range []string{"author", "author2"} {
			for _, author := range valueList(fields[key]) {
				p.appendField("author2", author)
			}
		}
		merged++
	}
	return merged, nil
}

func (p *fieldParser) appendField(name, value string) {
	if value == "" {
		return
	}
	switch existing := p.fields[name].(type) {
	case nil:
		p.fields[name] = []interface{}{value}
	case string:
		p.fields[name] = []interface{}{existing, value}
	case []interface{}:
		p.fields[name] = append(existing, value)
	}
}

func (p *fieldParser) stringField(name string) string {
	return stringValue(p.fields[name])
}

func stringValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []interface{}:
		if len(val) > 0 {
			return stringValue(val[0])
		}
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
	return ""
}

func valueList(v interface{}) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s := stringValue(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		if s := stringValue(val); s != "" {
			return []string{s}
		}
		return nil
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
