package cache

import (
	"context"
	"testing"
	"time"

	"github.com/okian/passport-registry/internal/domain/model"
	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"
)

func TestEntries(t *testing.T) {
	Convey("Scores survive the cache encoding", t, func() {
		at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		in := model.Score{PassportID: 7, Address: "0xaaa", Value: decimal.RequireFromString("1.5"), LastScoreTimestamp: at}
		b, err := encode(in)
		So(err, ShouldBeNil)
		So(string(b), ShouldContainSubstring, `"score":"1.500000000"`)

		out, err := decode(b)
		So(err, ShouldBeNil)
		So(out.PassportID, ShouldEqual, 7)
		So(out.Formatted(), ShouldEqual, "1.500000000")
		So(out.LastScoreTimestamp.Equal(at), ShouldBeTrue)

		_, err = decode([]byte(`{"score":"abc"}`))
		So(err, ShouldNotBeNil)
	})

	Convey("Keys use the normalized address", t, func() {
		So(Key(3, "0xAbC"), ShouldEqual, "registry:score:3:0xabc")
	})

	Convey("The noop cache never hits", t, func() {
		var c ScoreCache = Noop{}
		ctx := context.Background()
		So(c.Set(ctx, 1, model.Score{Address: "0xaaa"}), ShouldBeNil)
		_, found, err := c.Get(ctx, 1, "0xaaa")
		So(err, ShouldBeNil)
		So(found, ShouldBeFalse)
	})
}
