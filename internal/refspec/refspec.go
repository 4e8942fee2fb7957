// Package refspec implements the refspec planner (spec §4.4, C5): given
// a namespace, the remote peer being fetched from, and the set of peers
// currently tracked transitively, it computes the ordered pull refspec
// list for a replication round.
//
// Grounded on mesh/routing/dht.go's deterministic sort-over-stable-keys
// style (there used for k-bucket ordering), reused here so that two
// peers observing the same advertised refs and tracking set compute
// bit-identical refspecs (spec §8 P4).
package refspec

import (
	"fmt"
	"sort"
	"strings"

	"github.com/radicle-works/link/internal/keystore"
	"github.com/radicle-works/link/internal/refdb"
	"github.com/radicle-works/link/internal/rerror"
	"github.com/radicle-works/link/internal/urn"
)

// Spec is one pull refspec: a source ref pattern in one namespace mapped
// to a destination ref pattern in another (usually the same) namespace.
// Src/Dst may end in "*" to denote a glob over everything below that
// prefix, mirroring the git wire refspec syntax the underlying object
// store speaks.
type Spec struct {
	SrcNamespace urn.URN
	Src          refdb.Path
	DstNamespace urn.URN
	Dst          refdb.Path
	Force        bool
}

// String renders s the way the object store's wire protocol expects:
// "[+]refs/namespaces/<ns>/refs/<path>:refs/namespaces/<ns>/refs/<path>".
func (s Spec) String() string {
	src := fmt.Sprintf("refs/namespaces/%s/refs/%s", s.SrcNamespace, s.Src)
	if s.Force {
		src = "+" + src
	}
	dst := fmt.Sprintf("refs/namespaces/%s/refs/%s", s.DstNamespace, s.Dst)
	return src + ":" + dst
}

// DeriveCertifiers extracts the de-duplicated set of certifier URNs from
// a peer's advertised ref paths, i.e. every "rad/ids/<urn>" entry (spec
// §4.4: "Certifiers are derived from the set of rad/ids/* entries in the
// advertised refs, de-duplicated.").
func DeriveCertifiers(advertised []refdb.Path) []urn.URN {
	const prefix = "rad/ids/"
	seen := make(map[string]urn.URN)
	for _, p := range advertised {
		s := string(p)
		if !strings.HasPrefix(s, prefix) {
			continue
		}
		u, err := urn.Parse(strings.TrimPrefix(s, prefix))
		if err != nil {
			continue
		}
		seen[u.String()] = u
	}
	out := make([]urn.URN, 0, len(seen))
	for _, u := range seen {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// DerivePeers extracts the de-duplicated set of peers a remote relays in
// its advertised ref paths, i.e. every "remotes/<peer>/..." entry's peer
// segment (spec §4.6 step 2: "fetch rad/signed_refs for R and every peer R
// publishes under remotes/").
func DerivePeers(advertised []refdb.Path) []keystore.PeerID {
	seen := make(map[string]keystore.PeerID)
	for _, p := range advertised {
		name, ok := p.RemotePeer()
		if !ok {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		id, err := keystore.ParsePeerID(name)
		if err != nil {
			continue
		}
		seen[name] = id
	}
	out := make([]keystore.PeerID, 0, len(seen))
	for _, id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Plan computes the pull refspec list for namespace n, fetching from
// remote, over the peer set tracked (spec §4.4's T, already bounded by
// depth D by the tracking graph). certifiers is remote's advertised
// certifier set for n (see DeriveCertifiers).
func Plan(n urn.URN, remote keystore.PeerID, tracked []keystore.PeerID, certifiers []urn.URN) ([]Spec, error) {
	var specs []Spec
	for _, p := range tracked {
		if p.String() == remote.String() {
			specs = append(specs, ownedView(n, p, certifiers)...)
		} else {
			specs = append(specs, relayedView(n, p, certifiers)...)
		}
	}
	if err := validate(specs); err != nil {
		return nil, err
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].String() < specs[j].String() })
	return specs, nil
}

// ownedView maps p's own view into our remote view of p, for the case
// p == remote: we are fetching p directly (spec §4.4 first case).
func ownedView(n urn.URN, p keystore.PeerID, certifiers []urn.URN) []Spec {
	mirror := remotePrefix(p)
	specs := []Spec{
		{SrcNamespace: n, Src: "heads/*", DstNamespace: n, Dst: mirror + "heads/*", Force: true},
		{SrcNamespace: n, Src: "rad/id*", DstNamespace: n, Dst: mirror + "rad/id*"},
	}
	for _, c := range certifiers {
		specs = append(specs, Spec{SrcNamespace: c, Src: "rad/id*", DstNamespace: c, Dst: mirror + "rad/id*"})
	}
	return specs
}

// relayedView maps remote's mirror of p's refs into our own mirror of p,
// for the case p != remote: remote is merely relaying p's refs (spec
// §4.4 second case).
func relayedView(n urn.URN, p keystore.PeerID, certifiers []urn.URN) []Spec {
	mirror := remotePrefix(p)
	specs := []Spec{
		{SrcNamespace: n, Src: mirror + "heads/*", DstNamespace: n, Dst: mirror + "heads/*", Force: true},
		{SrcNamespace: n, Src: mirror + "rad/id*", DstNamespace: n, Dst: mirror + "rad/id*"},
	}
	for _, c := range certifiers {
		path := mirror + "rad/id*"
		specs = append(specs, Spec{SrcNamespace: c, Src: path, DstNamespace: c, Dst: path})
	}
	return specs
}

func remotePrefix(p keystore.PeerID) refdb.Path {
	return refdb.RemotesPath(p.String(), "")
}

// validate rejects a plan that would put the force flag on any ref
// at or below rad/id or rad/signed_refs, which I1 requires to only ever
// advance fast-forward (spec §4.4: "rejects refspecs that would violate
// I1 ... on any ref below rad/id or rad/signed_refs").
func validate(specs []Spec) error {
	for _, s := range specs {
		if s.Force && isProtected(s.Src) {
			return rerror.New(rerror.KindProtocol, rerror.CodeRefspecViolatesForce,
				fmt.Sprintf("refspec %s must not force-update a rad/id or rad/signed_refs ref", s))
		}
	}
	return nil
}

func isProtected(p refdb.Path) bool {
	s := string(p)
	for strings.HasPrefix(s, "remotes/") {
		rest := strings.TrimPrefix(s, "remotes/")
		i := strings.Index(rest, "/")
		if i < 0 {
			break
		}
		s = rest[i+1:]
	}
	return strings.HasPrefix(s, "rad/id") || strings.HasPrefix(s, "rad/signed_refs")
}
