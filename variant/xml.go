package variant

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
)

// ParseXML decodes an XML document into a Value tree. Element text
// content becomes a string leaf; repeated child element names under
// the same parent become an array; attributes are exposed under a
// synthetic "@attr" child object. This mirrors the JSON/XML -> generic
// dynamic value conversion spec.md §9 asks application config loaders
// to perform, generalized as a reusable codec here.
func ParseXML(data []byte) (Value, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	for {
		tok, err := dec.Token()
		if err != nil {
			return Value{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			v, err := decodeElement(dec, start)
			if err != nil {
				return Value{}, err
			}
			root := map[string]interface{}{start.Name.Local: v}
			return Value{root}, nil
		}
	}
}

func decodeElement(dec *xml.Decoder, start xml.StartElement) (interface{}, error) {
	obj := make(map[string]interface{})

	if len(start.Attr) > 0 {
		attrs := make(map[string]interface{}, len(start.Attr))
		for _, a := range start.Attr {
			attrs[a.Name.Local] = a.Value
		}
		obj["@attr"] = attrs
	}

	var text bytes.Buffer
	hasChildren := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			hasChildren = true
			child, err := decodeElement(dec, t)
			if err != nil {
				return nil, err
			}
			name := t.Name.Local
			switch existing := obj[name].(type) {
			case nil:
				obj[name] = child
			case []interface{}:
				obj[name] = append(existing, child)
			default:
				obj[name] = []interface{}{existing, child}
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if t.Name == start.Name {
				if !hasChildren && len(start.Attr) == 0 {
					return text.String(), nil
				}
				trimmed := bytes.TrimSpace(text.Bytes())
				if len(trimmed) > 0 {
					obj["#text"] = string(trimmed)
				}
				return obj, nil
			}
		}
	}

	return obj, nil
}

// EncodeXML renders a Value tree back to XML using rootName as the
// document's root element.
func EncodeXML(rootName string, v Value) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := encodeElement(&buf, rootName, v.data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeElement(buf *bytes.Buffer, name string, data interface{}) error {
	switch t := data.(type) {
	case map[string]interface{}:
		fmt.Fprintf(buf, "<%s", name)
		if attrs, ok := t["@attr"].(map[string]interface{}); ok {
			keys := make([]string, 0, len(attrs))
			for k := range attrs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(buf, ` %s=%q`, k, fmt.Sprint(attrs[k]))
			}
		}
		buf.WriteString(">")

		keys := make([]string, 0, len(t))
		for k := range t {
			if k == "@attr" || k == "#text" {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			switch child := t[k].(type) {
			case []interface{}:
				for _, item := range child {
					if err := encodeElement(buf, k, item); err != nil {
						return err
					}
				}
			default:
				if err := encodeElement(buf, k, child); err != nil {
					return err
				}
			}
		}

		if text, ok := t["#text"].(string); ok {
			xml.EscapeText(buf, []byte(text))
		}

		fmt.Fprintf(buf, "</%s>", name)
	case nil:
		fmt.Fprintf(buf, "<%s/>", name)
	default:
		fmt.Fprintf(buf, "<%s>", name)
		xml.EscapeText(buf, []byte(fmt.Sprint(t)))
		fmt.Fprintf(buf, "</%s>", name)
	}
	return nil
}
