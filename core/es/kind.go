package es

// Kind classifies aggregates by how they take part in a workflow.
type Kind int

const (
	KindEntity Kind = iota
	KindSaga
	// KindMutexSaga is a saga with a single, globally unique instance per type.
	KindMutexSaga
	KindStateless
)

func (k Kind) IsSaga() bool { return k == KindSaga || k == KindMutexSaga }

func (k Kind) String() string {
	switch k {
	case KindSaga:
		return "saga"
	case KindMutexSaga:
		return "mutex_saga"
	case KindStateless:
		return "stateless"
	default:
		return "entity"
	}
}

// KindOf returns the kind an aggregate declares through AggregateKind, entity otherwise.
func KindOf(agg Aggregate) Kind {
	if k, ok := agg.(interface{ AggregateKind() Kind }); ok {
		return k.AggregateKind()
	}
	return KindEntity
}

// PersistentCommand is a command persisted as an event into the saga that
// will process it. TargetSaga names the saga category, empty means any.
type PersistentCommand interface {
	TargetSaga() string
}
