package cache

// Nop never stores anything.
type Nop struct{}

func (n *Nop) Get(string) (any, bool)                     { return nil, false }
func (n *Nop) Put(string, any, ...PutOption)              {}
func (n *Nop) PutIfAbsent(string, any, ...PutOption) bool { return false }
func (n *Nop) Delete(string)                              {}

func NewNop() *Nop {
	return &Nop{}
}

var _ Cache = (*Nop)(nil)
