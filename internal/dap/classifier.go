// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/microsoft/replbridge/internal/repl"
)

type ClassificationKind int

const (
	KindDisplayOutput ClassificationKind = iota
	KindStructuredPayload
	KindPromptDetected
	KindLocationUpdate
	KindSuppressed
)

func (k ClassificationKind) String() string {
	switch k {
	case KindDisplayOutput:
		return "DisplayOutput"
	case KindStructuredPayload:
		return "StructuredPayload"
	case KindPromptDetected:
		return "PromptDetected"
	case KindLocationUpdate:
		return "LocationUpdate"
	case KindSuppressed:
		return "Suppressed"
	default:
		return "unknown"
	}
}

type PromptKind int

const (
	// Browse[n]> , execution is paused inside a function.
	PromptBrowser PromptKind = iota
	// "> ", the REPL is idle at top level.
	PromptTopLevel
	// "+ ", the REPL waits for the rest of an incomplete expression.
	PromptContinuation
)

// Classification is the outcome of classifying (a part of) a line.
type Classification struct {
	Kind ClassificationKind

	// Set for KindStructuredPayload.
	Payload Payload

	// Set for KindPromptDetected. Level is the browser nesting level.
	Prompt PromptKind
	Level  int

	// Set for KindLocationUpdate.
	File string
	Line int

	// The text this classification covers. For KindDisplayOutput this is the text to show.
	Text string

	// Set for a suppressed span that could not be decoded.
	Err error
}

type ruleAction func(c *Classifier, m []string, status SessionStatus) []Classification

// lineRule maps a pattern to the classification of lines matching it.
type lineRule struct {
	name    string
	pattern *regexp.Regexp
	action  ruleAction
}

var (
	browserPromptAtEnd    = regexp.MustCompile(`^(.*?)Browse\[(\d+)\]> ?$`)
	topLevelPromptPattern = regexp.MustCompile(`^([>+]) ?$`)
)

// Rules applied to text that remains after structured payloads were removed. First match wins.
var defaultRules = []lineRule{
	{
		name:    "browser-prompt",
		pattern: regexp.MustCompile(`^(.*?)Browse\[(\d+)\]> ?(.*)$`),
		action: func(c *Classifier, m []string, status SessionStatus) []Classification {
			var out []Classification
			if m[1] != "" {
				out = append(out, c.classifyText(m[1], status)...)
			}
			out = append(out, browserPrompt(m[2], m[0]))
			if m[3] != "" {
				out = append(out, c.classifyText(m[3], status)...)
			}
			return out
		},
	},
	{
		name:    "top-level-prompt",
		pattern: topLevelPromptPattern,
		action: func(_ *Classifier, m []string, _ SessionStatus) []Classification {
			return []Classification{topLevelPrompt(m[1], m[0])}
		},
	},
	{
		name:    "location",
		pattern: regexp.MustCompile(`^debug at (.+?)#(\d+): `),
		action: func(_ *Classifier, m []string, _ SessionStatus) []Classification {
			line, _ := strconv.Atoi(m[2])
			return []Classification{{Kind: KindLocationUpdate, File: m[1], Line: line, Text: m[0]}}
		},
	},
	{
		name:    "debug-expression",
		pattern: regexp.MustCompile(`^debug: `),
		action:  suppress,
	},
	{
		name:    "enter-banner",
		pattern: regexp.MustCompile(`^debugging in: (.*)$`),
		action: func(c *Classifier, m []string, _ SessionStatus) []Classification {
			if strings.Contains(m[1], repl.InternalCommandPrefix) {
				c.internalInfo = true
			}
			return suppress(c, m, 0)
		},
	},
	{
		name:    "exit-banner",
		pattern: regexp.MustCompile(`^exiting from: `),
		action: func(c *Classifier, m []string, _ SessionStatus) []Classification {
			c.internalInfo = false
			return suppress(c, m, 0)
		},
	},
	{
		name:    "called-from-banner",
		pattern: regexp.MustCompile(`^Called from: `),
		action:  suppress,
	},
	{
		name:    "internal-command-echo",
		pattern: regexp.MustCompile(`^\s*` + regexp.QuoteMeta(repl.InternalCommandPrefix)),
		action:  suppress,
	},
	{
		name:    "step-command-echo",
		pattern: regexp.MustCompile(`^\s*[ncsfQ]\s*$`),
		action:  suppress,
	},
}

func suppress(_ *Classifier, m []string, _ SessionStatus) []Classification {
	return []Classification{{Kind: KindSuppressed, Text: m[0]}}
}

func browserPrompt(level string, text string) Classification {
	l, _ := strconv.Atoi(level)
	return Classification{Kind: KindPromptDetected, Prompt: PromptBrowser, Level: l, Text: text}
}

func topLevelPrompt(marker string, text string) Classification {
	kind := PromptTopLevel
	if marker == "+" {
		kind = PromptContinuation
	}
	return Classification{Kind: KindPromptDetected, Prompt: kind, Text: text}
}

// Classifier turns REPL output lines into classifications.
// The only state it keeps is whether the output of an internal command is being printed;
// it is not goroutine-safe and is only used from the session reactor.
type Classifier struct {
	rules        []lineRule
	internalInfo bool
	log          logr.Logger
}

func NewClassifier(log logr.Logger) *Classifier {
	return &Classifier{
		rules: defaultRules,
		log:   log,
	}
}

// EndsWithPrompt reports whether an unterminated line could be a prompt. It does not change
// the classifier state. Since "> 5" may arrive as ">" and " 5", the caller must wait until the
// REPL output is quiet before classifying such a line.
func (c *Classifier) EndsWithPrompt(line Line) bool {
	if line.Complete {
		return false
	}
	return browserPromptAtEnd.MatchString(line.Text) || topLevelPromptPattern.MatchString(line.Text)
}

// Classify returns the classifications of a line, in the order their text appears.
//
// A provisional (incomplete) line is only checked for a trailing prompt, since prompts are not
// followed by a line feed. If the result is empty the caller should keep waiting for the rest
// of the line; otherwise the whole fragment has been accounted for.
func (c *Classifier) Classify(line Line, status SessionStatus) []Classification {
	if !line.Complete {
		return c.classifyProvisional(line.Text, status)
	}
	return c.classifyComplete(line.Text, status)
}

func (c *Classifier) classifyProvisional(text string, status SessionStatus) []Classification {
	if m := browserPromptAtEnd.FindStringSubmatch(text); m != nil {
		var out []Classification
		if m[1] != "" {
			out = append(out, c.classifyComplete(m[1], status)...)
		}
		return append(out, browserPrompt(m[2], text[len(m[1]):]))
	}
	if m := topLevelPromptPattern.FindStringSubmatch(text); m != nil {
		return []Classification{topLevelPrompt(m[1], m[0])}
	}
	return nil
}

func (c *Classifier) classifyComplete(text string, status SessionStatus) []Classification {
	var out []Classification
	rest := text
	extracted := false

	for {
		start := strings.Index(rest, LeftSentinel)
		if start < 0 {
			break
		}
		extracted = true

		bodyStart := start + len(LeftSentinel)
		length := strings.Index(rest[bodyStart:], RightSentinel)
		if length < 0 {
			err := fmt.Errorf("%w: structured message is not terminated", ErrProtocolDecode)
			c.log.Error(err, "discarding structured message", "Text", rest[start:])
			out = append(out, Classification{Kind: KindSuppressed, Text: rest[start:], Err: err})
			rest = rest[:start]
			break
		}

		body := rest[bodyStart : bodyStart+length]
		payload, err := DecodePayload([]byte(body))
		if err != nil {
			c.log.Error(err, "discarding structured message", "Text", body)
			out = append(out, Classification{Kind: KindSuppressed, Text: body, Err: err})
		} else {
			out = append(out, Classification{Kind: KindStructuredPayload, Payload: payload, Text: body})
		}
		rest = rest[:start] + rest[bodyStart+length+len(RightSentinel):]
	}

	if extracted && strings.TrimSpace(rest) == "" {
		return out
	}
	return append(out, c.classifyText(rest, status)...)
}

func (c *Classifier) classifyText(text string, status SessionStatus) []Classification {
	for _, rule := range c.rules {
		if m := rule.pattern.FindStringSubmatch(text); m != nil {
			return rule.action(c, m, status)
		}
	}

	if c.internalInfo || status != StatusRunning {
		return []Classification{{Kind: KindSuppressed, Text: text}}
	}
	return []Classification{{Kind: KindDisplayOutput, Text: text}}
}

// InternalInfo reports whether output of an internal command is currently being suppressed.
func (c *Classifier) InternalInfo() bool {
	return c.internalInfo
}
