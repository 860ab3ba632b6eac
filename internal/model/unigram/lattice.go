package unigram

import (
	"math"
	"unicode/utf8"
)

// trie indexes pieces by rune for common-prefix search.
type trie struct {
	root trieNode
}

type trieNode struct {
	children map[rune]*trieNode
	id       int
}

func newTrie() *trie {
	return &trie{root: trieNode{id: -1}}
}

func (t *trie) insert(piece string, id int) {
	n := &t.root
	for _, r := range piece {
		if n.children == nil {
			n.children = make(map[rune]*trieNode)
		}

		next, ok := n.children[r]
		if !ok {
			next = &trieNode{id: -1}
			n.children[r] = next
		}

		n = next
	}

	n.id = id
}

// prefixes calls fn with the byte length and id of every piece that is a
// prefix of s, shortest first.
func (t *trie) prefixes(s string, fn func(length, id int)) {
	n := &t.root
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])

		next, ok := n.children[r]
		if !ok {
			return
		}

		i += size

		n = next
		if n.id >= 0 {
			fn(i, n.id)
		}
	}
}

// node is a candidate piece spanning sentence bytes [pos, pos+length).
type node struct {
	index  int
	id     int
	pos    int
	length int
	score  float64
	unk    bool

	prev      *node
	backtrace float64
}

// lattice holds every candidate segmentation of a sentence. begin[i] lists
// nodes starting at byte i, end[i] nodes ending there.
type lattice struct {
	sentence string
	nodes    []*node
	begin    [][]*node
	end      [][]*node
	bos, eos *node
}

func newLattice(sentence string) *lattice {
	n := len(sentence)
	l := &lattice{
		sentence: sentence,
		begin:    make([][]*node, n+1),
		end:      make([][]*node, n+1),
	}

	l.bos = l.newNode(-1, 0, 0, 0)
	l.eos = l.newNode(-1, n, 0, 0)
	l.end[0] = append(l.end[0], l.bos)
	l.begin[n] = append(l.begin[n], l.eos)

	return l
}

func (l *lattice) newNode(id, pos, length int, score float64) *node {
	nd := &node{index: len(l.nodes), id: id, pos: pos, length: length, score: score}
	l.nodes = append(l.nodes, nd)

	return nd
}

func (l *lattice) insert(pos, length int, score float64, id int) *node {
	nd := l.newNode(id, pos, length, score)
	l.begin[pos] = append(l.begin[pos], nd)
	l.end[pos+length] = append(l.end[pos+length], nd)

	return nd
}

// viterbi returns the best scoring path, excluding BOS and EOS. Ties keep
// the earliest inserted node. A nil path means the end is unreachable.
func (l *lattice) viterbi() []*node {
	for pos := 0; pos <= len(l.sentence); pos++ {
		for _, rnode := range l.begin[pos] {
			rnode.prev = nil

			best := 0.0
			for _, lnode := range l.end[pos] {
				if lnode != l.bos && lnode.prev == nil {
					continue
				}

				if s := lnode.backtrace + rnode.score; rnode.prev == nil || s > best {
					best = s
					rnode.prev = lnode
				}
			}

			rnode.backtrace = best
		}
	}

	if l.eos.prev == nil {
		return nil
	}

	var path []*node
	for nd := l.eos.prev; nd != l.bos; nd = nd.prev {
		path = append(path, nd)
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	return path
}

// marginals runs forward-backward, adds freq times the marginal probability
// of every node to expected[id] and returns freq times the log partition.
func (l *lattice) marginals(freq float64, expected []float64) float64 {
	alpha := make([]float64, len(l.nodes))
	beta := make([]float64, len(l.nodes))

	for i := range alpha {
		alpha[i] = math.Inf(-1)
		beta[i] = math.Inf(-1)
	}

	alpha[l.bos.index] = 0
	for pos := 0; pos <= len(l.sentence); pos++ {
		for _, rnode := range l.begin[pos] {
			for _, lnode := range l.end[pos] {
				alpha[rnode.index] = logAddExp(alpha[rnode.index], alpha[lnode.index]+lnode.score)
			}
		}
	}

	beta[l.eos.index] = 0
	for pos := len(l.sentence); pos >= 0; pos-- {
		for _, lnode := range l.end[pos] {
			for _, rnode := range l.begin[pos] {
				beta[lnode.index] = logAddExp(beta[lnode.index], beta[rnode.index]+rnode.score)
			}
		}
	}

	z := alpha[l.eos.index]
	if math.IsInf(z, -1) {
		return 0
	}

	for _, nd := range l.nodes {
		if nd.id < 0 || nd == l.bos || nd == l.eos {
			continue
		}

		expected[nd.id] += freq * math.Exp(alpha[nd.index]+nd.score+beta[nd.index]-z)
	}

	return freq * z
}

// logAddExp returns log(exp(a) + exp(b)).
func logAddExp(a, b float64) float64 {
	switch {
	case math.IsInf(a, -1):
		return b
	case math.IsInf(b, -1):
		return a
	case a > b:
		return a + math.Log1p(math.Exp(b-a))
	default:
		return b + math.Log1p(math.Exp(a-b))
	}
}
