package treeline

import (
	"sync"

	"github.com/golang/glog"
)

// precedence when a client-defined alias collides with a target-defined one
type AliasPrecedence string

const (
	// the target's alias wins; the client define is rejected
	AliasPrecedenceTarget AliasPrecedence = "target"
	// the client's alias shadows the target's for that client only
	AliasPrecedenceClient AliasPrecedence = "client"
)

type clientAliasSet struct {
	// alias token of the first element -> full alias elements
	firstElements map[string]Path
	// alias first element -> expanded path
	expansions map[string]Path
}

func newClientAliasSet() *clientAliasSet {
	return &clientAliasSet{
		firstElements: map[string]Path{},
		expansions:    map[string]Path{},
	}
}

// bidirectional indirection from alias tokens to expanded path prefixes,
// partitioned into one target-defined table and per-client tables.
// client tables are torn down when the owning session closes
type AliasTable struct {
	tree       *ConfigTree
	precedence func() AliasPrecedence

	stateLock sync.Mutex

	// target-defined aliases are single-element
	targetAliases map[string]Path
	// path string -> alias token, for alias-bearing notifications
	targetPaths map[string]string

	clients map[Id]*clientAliasSet
}

func NewAliasTable(tree *ConfigTree, precedence func() AliasPrecedence) *AliasTable {
	return &AliasTable{
		tree:          tree,
		precedence:    precedence,
		targetAliases: map[string]Path{},
		targetPaths:   map[string]string{},
		clients:       map[Id]*clientAliasSet{},
	}
}

// expands the prefix of a request. Exactly one alias lookup is
// performed, on the first prefix element; expansion is never recursive
func (self *AliasTable) ResolvePrefix(clientId Id, prefix Path) Path {
	if len(prefix) == 0 {
		return prefix
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	first := prefix[0]

	clientSet := self.clients[clientId]
	clientHit := false
	var clientAlias Path
	var clientExpansion Path
	if clientSet != nil {
		if alias, ok := clientSet.firstElements[first]; ok && prefix.HasPrefix(alias) {
			clientHit = true
			clientAlias = alias
			clientExpansion = clientSet.expansions[first]
		}
	}

	targetExpansion, targetHit := self.targetAliases[first]

	if clientHit && (!targetHit || self.precedence() == AliasPrecedenceClient) {
		return clientExpansion.Join(prefix[len(clientAlias):])
	}
	if targetHit {
		return targetExpansion.Join(prefix[1:])
	}
	return prefix
}

// the target alias for an expanded path, for sessions that requested
// alias-bearing notifications
func (self *AliasTable) TargetAliasFor(path Path) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	alias, ok := self.targetPaths[path.String()]
	return alias, ok
}

// a target alias with an absent path undefines the token. In-flight
// notifications already emitted with the alias are not retracted
func (self *AliasTable) DefineTarget(alias string, path Path) error {
	if alias == "" {
		return ErrAliasConflict("empty alias")
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(path) == 0 {
		if existing, ok := self.targetAliases[alias]; ok {
			delete(self.targetPaths, existing.String())
			delete(self.targetAliases, alias)
			glog.V(1).Infof("[alias]undefine target %s\n", alias)
		}
		return nil
	}

	if err := self.checkLiteral(Path{alias}); err != nil {
		return err
	}
	// a target must not redefine a client-specific alias it does not own
	for clientId, clientSet := range self.clients {
		if _, ok := clientSet.firstElements[alias]; ok {
			return ErrAliasConflict("%s is a client alias owned by %s", alias, clientId)
		}
	}

	self.targetAliases[alias] = path.Clone()
	self.targetPaths[path.String()] = alias
	glog.V(1).Infof("[alias]define target %s -> %s\n", alias, path)
	return nil
}

// client-defined aliases may be multi-element. An absent path
// undefines. Scoped to the client; torn down with `DropClient`
func (self *AliasTable) DefineClient(clientId Id, alias Path, path Path) error {
	if len(alias) == 0 || alias[0] == "" {
		return ErrAliasConflict("empty alias")
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	clientSet := self.clients[clientId]
	if clientSet == nil {
		clientSet = newClientAliasSet()
		self.clients[clientId] = clientSet
	}

	if len(path) == 0 {
		delete(clientSet.firstElements, alias[0])
		delete(clientSet.expansions, alias[0])
		glog.V(1).Infof("[alias]undefine client=%s %s\n", clientId, alias)
		return nil
	}

	if err := self.checkLiteral(alias); err != nil {
		return err
	}
	if _, ok := self.targetAliases[alias[0]]; ok && self.precedence() == AliasPrecedenceTarget {
		return ErrAliasConflict("%s is target-defined", alias[0])
	}

	clientSet.firstElements[alias[0]] = alias.Clone()
	clientSet.expansions[alias[0]] = path.Clone()
	glog.V(1).Infof("[alias]define client=%s %s -> %s\n", clientId, alias, path)
	return nil
}

func (self *AliasTable) DropClient(clientId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.clients, clientId)
}

// an alias must never equal a path that already resolves to real data
func (self *AliasTable) checkLiteral(alias Path) error {
	if self.tree != nil && self.tree.Snapshot().Exists(alias) {
		return ErrAliasConflict("%s resolves to tree data", alias)
	}
	return nil
}
