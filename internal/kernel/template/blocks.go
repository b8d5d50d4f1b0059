package template

import (
	"strings"

	"github.com/noetl/orchestrator/internal/kernelerr"
)

type blockNode interface{}

type textNode string

type ifNode struct {
	cond string
	then []blockNode
	els  []blockNode
}

type forNode struct {
	varName string
	inExpr  string
	body    []blockNode
}

// renderBlocks parses and evaluates {% if %}/{% for %} control tags,
// leaving {{ expr }} substitution to renderExpressions so loop variables
// are visible when each iteration's body is rendered.
func renderBlocks(tmpl string, ctx map[string]interface{}) (string, error) {
	nodes, _, err := parseBlocks(tokenize(tmpl), false)
	if err != nil {
		return "", err
	}
	return renderNodes(nodes, ctx)
}

type token struct {
	isTag bool
	text  string // tag content (without {% %}) or raw text
}

func tokenize(tmpl string) []token {
	var tokens []token
	last := 0
	for _, loc := range blockTag.FindAllStringSubmatchIndex(tmpl, -1) {
		if loc[0] > last {
			tokens = append(tokens, token{text: tmpl[last:loc[0]]})
		}
		tokens = append(tokens, token{isTag: true, text: tmpl[loc[2]:loc[3]]})
		last = loc[1]
	}
	if last < len(tmpl) {
		tokens = append(tokens, token{text: tmpl[last:]})
	}
	return tokens
}

// parseBlocks consumes tokens building a node list, stopping (and
// reporting where it stopped) at an else/endif/endfor tag when nested.
func parseBlocks(tokens []token, nested bool) ([]blockNode, []token, error) {
	var nodes []blockNode
	for len(tokens) > 0 {
		t := tokens[0]
		tokens = tokens[1:]
		if !t.isTag {
			nodes = append(nodes, textNode(t.text))
			continue
		}
		switch {
		case t.text == "else" || t.text == "endif" || t.text == "endfor":
			if !nested {
				return nil, nil, kernelerr.New(kernelerr.Validation, "unexpected tag: "+t.text)
			}
			return nodes, append([]token{t}, tokens...), nil

		case strings.HasPrefix(t.text, "if "):
			cond := strings.TrimSpace(strings.TrimPrefix(t.text, "if "))
			thenNodes, rest, err := parseBlocks(tokens, true)
			if err != nil {
				return nil, nil, err
			}
			var elseNodes []blockNode
			if len(rest) > 0 && rest[0].isTag && rest[0].text == "else" {
				elseNodes, rest, err = parseBlocks(rest[1:], true)
				if err != nil {
					return nil, nil, err
				}
			}
			if len(rest) == 0 || !rest[0].isTag || rest[0].text != "endif" {
				return nil, nil, kernelerr.New(kernelerr.Validation, "missing endif")
			}
			tokens = rest[1:]
			nodes = append(nodes, ifNode{cond: cond, then: thenNodes, els: elseNodes})

		case strings.HasPrefix(t.text, "for "):
			header := strings.TrimSpace(strings.TrimPrefix(t.text, "for "))
			varName, inExpr, ok := splitForHeader(header)
			if !ok {
				return nil, nil, kernelerr.New(kernelerr.Validation, "malformed for tag: "+t.text)
			}
			body, rest, err := parseBlocks(tokens, true)
			if err != nil {
				return nil, nil, err
			}
			if len(rest) == 0 || !rest[0].isTag || rest[0].text != "endfor" {
				return nil, nil, kernelerr.New(kernelerr.Validation, "missing endfor")
			}
			tokens = rest[1:]
			nodes = append(nodes, forNode{varName: varName, inExpr: inExpr, body: body})

		default:
			return nil, nil, kernelerr.New(kernelerr.Validation, "unknown block tag: "+t.text)
		}
	}
	return nodes, nil, nil
}

func splitForHeader(header string) (varName, inExpr string, ok bool) {
	parts := strings.SplitN(header, " in ", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), true
}

func renderNodes(nodes []blockNode, ctx map[string]interface{}) (string, error) {
	var sb strings.Builder
	for _, n := range nodes {
		switch node := n.(type) {
		case textNode:
			rendered, err := renderExpressions(string(node), ctx)
			if err != nil {
				return "", err
			}
			sb.WriteString(rendered)
		case ifNode:
			matched, err := EvaluateCondition(node.cond, ctx)
			if err != nil {
				return "", err
			}
			branch := node.els
			if matched {
				branch = node.then
			}
			rendered, err := renderNodes(branch, ctx)
			if err != nil {
				return "", err
			}
			sb.WriteString(rendered)
		case forNode:
			items, err := EvaluateLoop(node.inExpr, ctx)
			if err != nil {
				return "", err
			}
			for _, item := range items {
				iterCtx := make(map[string]interface{}, len(ctx)+1)
				for k, v := range ctx {
					iterCtx[k] = v
				}
				iterCtx[node.varName] = item
				rendered, err := renderNodes(node.body, iterCtx)
				if err != nil {
					return "", err
				}
				sb.WriteString(rendered)
			}
		}
	}
	return sb.String(), nil
}
