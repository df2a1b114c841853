package container

// rbColor is the color tag of an RBNode.
type rbColor bool

const (
	red   rbColor = false
	black rbColor = true
)

// RBNode is one entry of an RBTree. The tree allocates it on Insert and
// keeps the caller's value in it as the node's owner.
type RBNode struct {
	left, right, parent *RBNode
	color                rbColor
	key                  uint64
	owner                interface{}
}

// Owner returns the value this node was inserted with.
func (n *RBNode) Owner() interface{} { return n.owner }

// Key returns the node's sort key.
func (n *RBNode) Key() uint64 { return n.key }

// RBTree is an intrusive red-black tree ordered by a uint64 key. Unlike the
// list and priority queue, it allocates one *RBNode per entry rather than
// requiring the caller to embed one, since thread-registry-style lookups
// insert and remove nodes far less often than the scheduler queues run.
type RBTree struct {
	root *RBNode
	size int
}

// NewRBTree creates an empty tree.
func NewRBTree() *RBTree { return &RBTree{} }

// Len returns the number of entries.
func (t *RBTree) Len() int { return t.size }

// Insert adds key/owner to the tree. Duplicate keys overwrite the existing
// owner rather than creating a second entry, matching the registry's
// "one record per thread id" invariant.
func (t *RBTree) Insert(key uint64, owner interface{}) *RBNode {
	if existing := t.find(key); existing != nil {
		existing.owner = owner
		return existing
	}

	n := &RBNode{key: key, owner: owner, color: red}
	t.size++

	if t.root == nil {
		n.color = black
		t.root = n
		return n
	}

	cur := t.root
	for {
		if key < cur.key {
			if cur.left == nil {
				cur.left = n
				n.parent = cur
				break
			}
			cur = cur.left
		} else {
			if cur.right == nil {
				cur.right = n
				n.parent = cur
				break
			}
			cur = cur.right
		}
	}

	t.fixInsert(n)
	return n
}

// Find returns the node stored under key, or nil.
func (t *RBTree) Find(key uint64) *RBNode { return t.find(key) }

func (t *RBTree) find(key uint64) *RBNode {
	cur := t.root
	for cur != nil {
		switch {
		case key < cur.key:
			cur = cur.left
		case key > cur.key:
			cur = cur.right
		default:
			return cur
		}
	}
	return nil
}

// Each visits every entry in ascending key order.
func (t *RBTree) Each(fn func(key uint64, owner interface{})) {
	var walk func(n *RBNode)
	walk = func(n *RBNode) {
		if n == nil {
			return
		}
		walk(n.left)
		fn(n.key, n.owner)
		walk(n.right)
	}
	walk(t.root)
}

// Remove deletes the entry under key, if present.
func (t *RBTree) Remove(key uint64) {
	n := t.find(key)
	if n == nil {
		return
	}
	t.size--
	t.deleteNode(n)
}

func (t *RBTree) rotateLeft(x *RBNode) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.left {
		x.parent.left = y
	} else {
		x.parent.right = y
	}
	y.left = x
	x.parent = y
}

func (t *RBTree) rotateRight(x *RBNode) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.right {
		x.parent.right = y
	} else {
		x.parent.left = y
	}
	y.right = x
	x.parent = y
}

func (t *RBTree) fixInsert(z *RBNode) {
	for z.parent != nil && z.parent.color == red {
		gp := z.parent.parent
		if gp == nil {
			break
		}
		if z.parent == gp.left {
			uncle := gp.right
			if uncle != nil && uncle.color == red {
				z.parent.color = black
				uncle.color = black
				gp.color = red
				z = gp
				continue
			}
			if z == z.parent.right {
				z = z.parent
				t.rotateLeft(z)
			}
			z.parent.color = black
			gp.color = red
			t.rotateRight(gp)
		} else {
			uncle := gp.left
			if uncle != nil && uncle.color == red {
				z.parent.color = black
				uncle.color = black
				gp.color = red
				z = gp
				continue
			}
			if z == z.parent.left {
				z = z.parent
				t.rotateRight(z)
			}
			z.parent.color = black
			gp.color = red
			t.rotateLeft(gp)
		}
	}
	t.root.color = black
}

func nodeColor(n *RBNode) rbColor {
	if n == nil {
		return black
	}
	return n.color
}

func (t *RBTree) deleteNode(z *RBNode) {
	y := z
	yOriginalColor := y.color
	var x, xParent *RBNode

	switch {
	case z.left == nil:
		x = z.right
		xParent = z.parent
		t.transplant(z, z.right)
	case z.right == nil:
		x = z.left
		xParent = z.parent
		t.transplant(z, z.left)
	default:
		y = minimum(z.right)
		yOriginalColor = y.color
		x = y.right
		if y.parent == z {
			xParent = y
		} else {
			xParent = y.parent
			t.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		t.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.color = z.color
	}

	if yOriginalColor == black {
		t.fixDelete(x, xParent)
	}
}

func (t *RBTree) transplant(u, v *RBNode) {
	switch {
	case u.parent == nil:
		t.root = v
	case u == u.parent.left:
		u.parent.left = v
	default:
		u.parent.right = v
	}
	if v != nil {
		v.parent = u.parent
	}
}

func minimum(n *RBNode) *RBNode {
	for n.left != nil {
		n = n.left
	}
	return n
}

func (t *RBTree) fixDelete(x, parent *RBNode) {
	for x != t.root && nodeColor(x) == black {
		if parent == nil {
			break
		}
		if x == parent.left {
			sibling := parent.right
			if nodeColor(sibling) == red {
				sibling.color = black
				parent.color = red
				t.rotateLeft(parent)
				sibling = parent.right
			}
			if sibling == nil {
				x, parent = parent, parent.parent
				continue
			}
			if nodeColor(sibling.left) == black && nodeColor(sibling.right) == black {
				sibling.color = red
				x, parent = parent, parent.parent
				continue
			}
			if nodeColor(sibling.right) == black {
				if sibling.left != nil {
					sibling.left.color = black
				}
				sibling.color = red
				t.rotateRight(sibling)
				sibling = parent.right
			}
			sibling.color = parent.color
			parent.color = black
			if sibling.right != nil {
				sibling.right.color = black
			}
			t.rotateLeft(parent)
			x = t.root
		} else {
			sibling := parent.left
			if nodeColor(sibling) == red {
				sibling.color = black
				parent.color = red
				t.rotateRight(parent)
				sibling = parent.left
			}
			if sibling == nil {
				x, parent = parent, parent.parent
				continue
			}
			if nodeColor(sibling.right) == black && nodeColor(sibling.left) == black {
				sibling.color = red
				x, parent = parent, parent.parent
				continue
			}
			if nodeColor(sibling.left) == black {
				if sibling.right != nil {
					sibling.right.color = black
				}
				sibling.color = red
				t.rotateLeft(sibling)
				sibling = parent.left
			}
			sibling.color = parent.color
			parent.color = black
			if sibling.left != nil {
				sibling.left.color = black
			}
			t.rotateRight(parent)
			x = t.root
		}
	}
	if x != nil {
		x.color = black
	}
}
