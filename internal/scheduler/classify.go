package scheduler

import (
	"sort"
	"sync"
)

// DefaultPriorityCommands mutate server-side buffer state and must run in
// submission order, one at a time.
var DefaultPriorityCommands = []string{
	"updatebuffer",
	"changebuffer",
	"formatAfterKeystroke",
}

// DefaultNormalCommands are interactive lookups that may run concurrently.
var DefaultNormalCommands = []string{
	"findimplementations",
	"findsymbols",
	"findusages",
	"gotodefinition",
	"typelookup",
	"navigateup",
	"navigatedown",
	"getcodeactions",
	"filesChanged",
	"runcodeaction",
	"autocomplete",
	"signatureHelp",
}

// Default is the process-wide classifier shared by every client.
var Default = NewClassifier(DefaultPriorityCommands, DefaultNormalCommands)

// Classifier sorts command names into lanes. The deferred set only grows.
type Classifier struct {
	priority map[string]struct{}
	normal   map[string]struct{}

	mu       sync.Mutex
	deferred map[string]struct{}
}

// NewClassifier builds a classifier with the given static sets.
func NewClassifier(priority, normal []string) *Classifier {
	c := &Classifier{
		priority: make(map[string]struct{}, len(priority)),
		normal:   make(map[string]struct{}, len(normal)),
		deferred: make(map[string]struct{}),
	}
	for _, cmd := range priority {
		c.priority[cmd] = struct{}{}
	}
	for _, cmd := range normal {
		c.normal[cmd] = struct{}{}
	}
	return c
}

// Classify returns the lane for a command. Silent commands that are not
// priority go to the deferred lane without being remembered; any other
// unknown command is remembered as deferred for good.
func (c *Classifier) Classify(command string, silent bool) Class {
	if _, ok := c.priority[command]; ok {
		return Priority
	}
	if silent {
		return Deferred
	}
	if _, ok := c.normal[command]; ok {
		return Normal
	}

	c.mu.Lock()
	c.deferred[command] = struct{}{}
	c.mu.Unlock()
	return Deferred
}

// Deferred returns the learned deferred commands, sorted.
func (c *Classifier) Deferred() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.deferred))
	for cmd := range c.deferred {
		out = append(out, cmd)
	}
	c.mu.Unlock()

	sort.Strings(out)
	return out
}

// IsDeferred reports whether the command has been learned as deferred.
func (c *Classifier) IsDeferred(command string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.deferred[command]
	return ok
}
