package ingest

import (
	"errors"
	"fmt"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestKinds(t *testing.T) {
	Convey("Step errors expose their public kind", t, func() {
		cause := errors.New("boom")
		se := asStepError(StateFetched, reject(ErrInvalidSigner, cause))
		So(se.State, ShouldEqual, StateFetched)
		So(errors.Is(se, ErrInvalidSigner), ShouldBeTrue)
		So(errors.Is(se, cause), ShouldBeTrue)
		So(errors.Is(se, ErrPassportCreation), ShouldBeFalse)
		So(se.Error(), ShouldEqual, "fetched: boom")

		Convey("Unclassified failures are creation errors", func() {
			plain := asStepError(StatePersisted, fmt.Errorf("write: %w", cause))
			So(Kind(plain), ShouldEqual, ErrPassportCreation)
			So(KindName(plain), ShouldEqual, "passport_creation")
			So(Kind(errors.New("anything")), ShouldEqual, ErrPassportCreation)
		})

		Convey("Labels are stable", func() {
			So(KindName(reject(ErrInvalidSigner, cause)), ShouldEqual, "invalid_signer")
			So(KindName(fmt.Errorf("%w: x", ErrUnauthorized)), ShouldEqual, "unauthorized")
		})
	})
}

func TestStates(t *testing.T) {
	Convey("States render and know when they are final", t, func() {
		So(StateValidated.String(), ShouldEqual, "validated")
		So(State(42).String(), ShouldEqual, "unknown")
		So(StateComplete.Terminal(), ShouldBeTrue)
		So(StateFailed.Terminal(), ShouldBeTrue)
		So(StateScored.Terminal(), ShouldBeFalse)
	})
}
