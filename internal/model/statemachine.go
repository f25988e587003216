package model

// Transition 标识状态机中一条允许的边。
type Transition string

const (
	TransitionAllocateAccession Transition = "allocate-accession" // Provisional -> Private
	TransitionMakeProvisional   Transition = "make-provisional"   // Private -> Provisional
	TransitionRequestReview     Transition = "request-review"     // Private -> InReview
	TransitionWithdrawReview    Transition = "withdraw-review"    // InReview -> Private
	TransitionPublish           Transition = "publish"            // Private/InReview -> Public
	TransitionUnpublish         Transition = "unpublish"          // Public -> Private
	TransitionRevive            Transition = "revive"             // Dormant -> Provisional
)

type edge struct {
	from, to StudyStatus
}

var transitions = map[edge]Transition{
	{StatusProvisional, StatusPrivate}: TransitionAllocateAccession,
	{StatusPrivate, StatusProvisional}: TransitionMakeProvisional,
	{StatusPrivate, StatusInReview}:    TransitionRequestReview,
	{StatusPrivate, StatusPublic}:      TransitionPublish,
	{StatusInReview, StatusPrivate}:    TransitionWithdrawReview,
	{StatusInReview, StatusPublic}:     TransitionPublish,
	{StatusPublic, StatusPrivate}:      TransitionUnpublish,
	{StatusDormant, StatusProvisional}: TransitionRevive,
}

// LookupTransition 返回 from -> to 对应的转换；不在表中的转换一律拒绝。
func LookupTransition(from, to StudyStatus) (Transition, bool) {
	t, ok := transitions[edge{from, to}]
	return t, ok
}

// CanTransition 报告 from -> to 是否是允许的状态转换。
func CanTransition(from, to StudyStatus) bool {
	_, ok := transitions[edge{from, to}]
	return ok
}

// RevisableStatus 报告该状态下是否允许创建新修订。
func RevisableStatus(s StudyStatus) bool {
	return s == StatusPrivate || s == StatusInReview || s == StatusPublic
}
