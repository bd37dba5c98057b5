package plan

import (
	"fmt"
	"strings"
)

// Parse reads canonical tagged text back into element descriptions. It is a
// reader for inspection and tests, not an inverse of Serialize: text runs
// and attribute values are taken verbatim, entities are never decoded, so
// serializing a parsed tree re-escapes them. Whitespace-only text between
// elements is formatting and is dropped. Multiple top-level elements parse
// as a forest.
func Parse(s string) ([]*Element, error) {
	p := &parser{s: s}
	els, err := p.parseNodes()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.s) {
		return nil, fmt.Errorf("unexpected closing tag at offset %d", p.pos)
	}
	return els, nil
}

// ParseOne parses text that must contain exactly one top-level element.
func ParseOne(s string) (*Element, error) {
	els, err := Parse(s)
	if err != nil {
		return nil, err
	}
	if len(els) != 1 {
		return nil, fmt.Errorf("expected one top-level element, got %d", len(els))
	}
	return els[0], nil
}

type parser struct {
	s   string
	pos int
}

func (p *parser) parseNodes() ([]*Element, error) {
	var out []*Element
	for p.pos < len(p.s) {
		if strings.HasPrefix(p.s[p.pos:], "</") {
			return out, nil
		}
		if p.s[p.pos] == '<' {
			el, err := p.parseElement()
			if err != nil {
				return nil, err
			}
			out = append(out, el)
			continue
		}
		start := p.pos
		for p.pos < len(p.s) && p.s[p.pos] != '<' {
			p.pos++
		}
		run := p.s[start:p.pos]
		if strings.TrimSpace(run) != "" {
			out = append(out, Text(run))
		}
	}
	return out, nil
}

func (p *parser) parseElement() (*Element, error) {
	open := p.pos
	p.pos++ // consume '<'
	name := p.scanName()
	if name == "" {
		return nil, fmt.Errorf("malformed tag at offset %d", open)
	}

	el := &Element{Type: name, Props: NewProps()}
	for {
		p.skipSpaces()
		if p.pos >= len(p.s) {
			return nil, fmt.Errorf("unterminated tag <%s> at offset %d", name, open)
		}
		if strings.HasPrefix(p.s[p.pos:], "/>") {
			p.pos += 2
			return el, nil
		}
		if p.s[p.pos] == '>' {
			p.pos++
			break
		}
		attr := p.scanName()
		if attr == "" {
			return nil, fmt.Errorf("malformed attribute in <%s> at offset %d", name, p.pos)
		}
		if p.pos >= len(p.s) || p.s[p.pos] != '=' {
			return nil, fmt.Errorf("attribute %q in <%s> missing value", attr, name)
		}
		p.pos++
		val, err := p.scanQuoted(name, attr)
		if err != nil {
			return nil, err
		}
		if attr == "key" {
			el.Key = val
		} else {
			el.Props.Set(attr, val)
		}
	}

	children, err := p.parseNodes()
	if err != nil {
		return nil, err
	}
	el.Children = children

	closing := "</" + name + ">"
	if !strings.HasPrefix(p.s[p.pos:], closing) {
		return nil, fmt.Errorf("missing closing tag %s at offset %d", closing, p.pos)
	}
	p.pos += len(closing)
	return el, nil
}

func (p *parser) scanName() string {
	start := p.pos
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' {
			p.pos++
			continue
		}
		break
	}
	return p.s[start:p.pos]
}

func (p *parser) scanQuoted(tag, attr string) (string, error) {
	if p.pos >= len(p.s) || p.s[p.pos] != '"' {
		return "", fmt.Errorf("attribute %q in <%s> must be double-quoted", attr, tag)
	}
	p.pos++
	start := p.pos
	end := strings.IndexByte(p.s[start:], '"')
	if end < 0 {
		return "", fmt.Errorf("unterminated attribute %q in <%s>", attr, tag)
	}
	p.pos = start + end + 1
	return p.s[start : start+end], nil
}

func (p *parser) skipSpaces() {
	for p.pos < len(p.s) {
		switch p.s[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}
