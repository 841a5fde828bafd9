package server

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// HandlerFunc executes one command for a session. arg is the command
// argument; for extension commands such as "SITE BLST" it is the text
// after the sub-verb.
//
// A handler returns the complete reply to send. It returns a nil
// *Response when it already wrote all of its replies itself (see
// Session.Reply), which data transfer commands do to send the preliminary
// 150 before moving content. A returned error is mapped to a reply code.
type HandlerFunc func(s *Session, ctx context.Context, arg string) (*Response, error)

// CommandSpec registers a command handler.
type CommandSpec struct {
	// Verb is the command name, e.g. "RETR" or "SITE".
	Verb string

	// Sub, when set, registers the handler under Verb's extension
	// namespace: "SITE" with Sub "BLST" handles "SITE BLST ...".
	Sub string

	// LoginRequired rejects the command with 530 before login.
	LoginRequired bool

	// Abortable handlers run while the session keeps reading the control
	// connection, so that ABOR can cancel their context.
	Abortable bool

	Handler HandlerFunc
}

func (c CommandSpec) name() string {
	if c.Sub == "" {
		return c.Verb
	}
	return c.Verb + " " + c.Sub
}

// Predefined command groups for use with WithDisableCommands.
var (
	// LegacyCommands contains deprecated X* command variants from RFC 775.
	LegacyCommands = []string{"XCWD", "XCUP", "XPWD", "XMKD", "XRMD"}

	// ActiveModeCommands contains commands for active mode data connections.
	// Disable them for transports such as QUIC that only support passive mode.
	ActiveModeCommands = []string{"PORT", "EPRT"}

	// WriteCommands contains all commands that modify the file system.
	WriteCommands = []string{
		"STOR", "APPE", "STOU", "DELE", "RMD", "XRMD", "MKD", "XMKD",
		"RNFR", "RNTO", "MFMT", "SITE CHMOD",
	}

	// SiteCommands contains the SITE administrative commands.
	SiteCommands = []string{"SITE"}
)

// builtinCommands is the default command table.
var builtinCommands = []CommandSpec{
	// Access control
	{Verb: "USER", Handler: (*Session).handleUSER},
	{Verb: "PASS", Handler: (*Session).handlePASS},
	{Verb: "ACCT", Handler: (*Session).handleACCT},
	{Verb: "REIN", Handler: (*Session).handleREIN},
	{Verb: "QUIT", Handler: (*Session).handleQUIT},
	{Verb: "HOST", Handler: (*Session).handleHOST},
	{Verb: "AUTH", Handler: (*Session).handleAUTH},
	{Verb: "PBSZ", Handler: (*Session).handlePBSZ},
	{Verb: "PROT", Handler: (*Session).handlePROT},
	{Verb: "CCC", Handler: (*Session).handleCCC},

	// Navigation and file management
	{Verb: "CWD", LoginRequired: true, Handler: (*Session).handleCWD},
	{Verb: "XCWD", LoginRequired: true, Handler: (*Session).handleCWD},
	{Verb: "CDUP", LoginRequired: true, Handler: (*Session).handleCDUP},
	{Verb: "XCUP", LoginRequired: true, Handler: (*Session).handleCDUP},
	{Verb: "PWD", LoginRequired: true, Handler: (*Session).handlePWD},
	{Verb: "XPWD", LoginRequired: true, Handler: (*Session).handlePWD},
	{Verb: "MKD", LoginRequired: true, Handler: (*Session).handleMKD},
	{Verb: "XMKD", LoginRequired: true, Handler: (*Session).handleMKD},
	{Verb: "RMD", LoginRequired: true, Handler: (*Session).handleRMD},
	{Verb: "XRMD", LoginRequired: true, Handler: (*Session).handleRMD},
	{Verb: "DELE", LoginRequired: true, Handler: (*Session).handleDELE},
	{Verb: "RNFR", LoginRequired: true, Handler: (*Session).handleRNFR},
	{Verb: "RNTO", LoginRequired: true, Handler: (*Session).handleRNTO},

	// Listings
	{Verb: "LIST", LoginRequired: true, Abortable: true, Handler: (*Session).handleLIST},
	{Verb: "NLST", LoginRequired: true, Abortable: true, Handler: (*Session).handleNLST},
	{Verb: "MLSD", LoginRequired: true, Abortable: true, Handler: (*Session).handleMLSD},
	{Verb: "MLST", LoginRequired: true, Handler: (*Session).handleMLST},

	// File transfer
	{Verb: "RETR", LoginRequired: true, Abortable: true, Handler: (*Session).handleRETR},
	{Verb: "STOR", LoginRequired: true, Abortable: true, Handler: (*Session).handleSTOR},
	{Verb: "APPE", LoginRequired: true, Abortable: true, Handler: (*Session).handleAPPE},
	{Verb: "STOU", LoginRequired: true, Abortable: true, Handler: (*Session).handleSTOU},
	{Verb: "REST", LoginRequired: true, Handler: (*Session).handleREST},
	{Verb: "ALLO", LoginRequired: true, Handler: (*Session).handleALLO},
	{Verb: "ABOR", Handler: (*Session).handleABOR},

	// Transfer parameters
	{Verb: "TYPE", LoginRequired: true, Handler: (*Session).handleTYPE},
	{Verb: "MODE", LoginRequired: true, Handler: (*Session).handleMODE},
	{Verb: "STRU", LoginRequired: true, Handler: (*Session).handleSTRU},

	// Data connection setup
	{Verb: "PASV", LoginRequired: true, Handler: (*Session).handlePASV},
	{Verb: "EPSV", LoginRequired: true, Handler: (*Session).handleEPSV},
	{Verb: "PORT", LoginRequired: true, Handler: (*Session).handlePORT},
	{Verb: "EPRT", LoginRequired: true, Handler: (*Session).handleEPRT},

	// Information
	{Verb: "SIZE", LoginRequired: true, Handler: (*Session).handleSIZE},
	{Verb: "MDTM", LoginRequired: true, Handler: (*Session).handleMDTM},
	{Verb: "MFMT", LoginRequired: true, Handler: (*Session).handleMFMT},
	{Verb: "HASH", LoginRequired: true, Handler: (*Session).handleHASH},
	{Verb: "FEAT", Handler: (*Session).handleFEAT},
	{Verb: "SYST", Handler: (*Session).handleSYST},
	{Verb: "STAT", Handler: (*Session).handleSTAT},
	{Verb: "HELP", Handler: (*Session).handleHELP},
	{Verb: "NOOP", Handler: (*Session).handleNOOP},

	// Extensions
	{Verb: "OPTS", Sub: "UTF8", Handler: (*Session).handleOptsUTF8},
	{Verb: "OPTS", Sub: "HASH", LoginRequired: true, Handler: (*Session).handleOptsHASH},
	{Verb: "SITE", Sub: "HELP", Handler: (*Session).handleSiteHELP},
	{Verb: "SITE", Sub: "CHMOD", LoginRequired: true, Handler: (*Session).handleSiteCHMOD},
	{Verb: "SITE", Sub: "BLST", LoginRequired: true, Abortable: true, Handler: (*Session).handleSiteBLST},
}

// registry maps verbs, and verb/sub-verb pairs of extension namespaces,
// to handlers.
type registry struct {
	commands   map[string]*CommandSpec
	extensions map[string]map[string]*CommandSpec
}

func newRegistry() *registry {
	return &registry{
		commands:   make(map[string]*CommandSpec),
		extensions: make(map[string]map[string]*CommandSpec),
	}
}

func (r *registry) add(spec CommandSpec) error {
	spec.Verb = strings.ToUpper(strings.TrimSpace(spec.Verb))
	spec.Sub = strings.ToUpper(strings.TrimSpace(spec.Sub))
	if spec.Verb == "" || strings.ContainsAny(spec.Verb, " \t") {
		return fmt.Errorf("invalid command verb %q", spec.Verb)
	}
	if spec.Handler == nil {
		return fmt.Errorf("command %s has no handler", spec.name())
	}
	if spec.Sub == "" {
		r.commands[spec.Verb] = &spec
		return nil
	}
	ns, ok := r.extensions[spec.Verb]
	if !ok {
		ns = make(map[string]*CommandSpec)
		r.extensions[spec.Verb] = ns
	}
	ns[spec.Sub] = &spec
	return nil
}

// remove deletes "VERB" (with its whole extension namespace) or "VERB SUB".
func (r *registry) remove(name string) {
	verb, sub := splitVerb(name)
	if sub != "" {
		if ns, ok := r.extensions[verb]; ok {
			delete(ns, strings.ToUpper(sub))
		}
		return
	}
	delete(r.commands, verb)
	delete(r.extensions, verb)
}

type lookupResult int

const (
	lookupFound lookupResult = iota
	lookupUnknown
	lookupMissingSub
)

// lookup finds the handler for cmd and the argument to pass to it.
// For extension namespaces the first argument token selects the handler.
func (r *registry) lookup(cmd Command) (*CommandSpec, string, lookupResult) {
	if ns, ok := r.extensions[cmd.Verb]; ok {
		sub, rest := splitVerb(cmd.Argument)
		if sub == "" {
			if spec, ok := r.commands[cmd.Verb]; ok {
				return spec, cmd.Argument, lookupFound
			}
			return nil, "", lookupMissingSub
		}
		if spec, ok := ns[sub]; ok {
			return spec, rest, lookupFound
		}
		return nil, "", lookupUnknown
	}
	if spec, ok := r.commands[cmd.Verb]; ok {
		return spec, cmd.Argument, lookupFound
	}
	return nil, "", lookupUnknown
}

// has reports whether a command ("VERB" or "VERB SUB") is registered.
func (r *registry) has(name string) bool {
	verb, sub := splitVerb(name)
	if sub == "" {
		_, ok := r.commands[verb]
		_, ext := r.extensions[verb]
		return ok || ext
	}
	_, ok := r.extensions[verb][strings.ToUpper(sub)]
	return ok
}

// names returns all registered command names, sorted.
func (r *registry) names() []string {
	names := slices.Collect(maps.Keys(r.commands))
	for verb, ns := range r.extensions {
		if _, ok := r.commands[verb]; !ok {
			names = append(names, verb)
		}
		for sub := range ns {
			names = append(names, verb+" "+sub)
		}
	}
	slices.Sort(names)
	return names
}

// subVerbs returns the sorted sub-verbs registered under verb.
func (r *registry) subVerbs(verb string) []string {
	subs := slices.Collect(maps.Keys(r.extensions[verb]))
	slices.Sort(subs)
	return subs
}
