package tghtml

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscapingHelpers(t *testing.T) {
	t.Parallel()
	assert.Equal(t, H("<b>a &lt;b&gt;</b>"), B("a <b>"))
	assert.Equal(t, H("<i>x &amp; y</i>"), I("x & y"))
	assert.Equal(t, H("<code>09:30 AM</code>"), Code("09:30 AM"))
	assert.Equal(t, H("<i><b>k</b> v</i>"), Wrap("i", Concat(B("k"), Raw(" v"))))
	assert.Equal(t, H("a\n\nb"), Lines(Raw("a"), "", Raw("b")))
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "héllo", TruncRunes("héllo", 5))
	assert.Equal(t, "hé…", TruncRunes("héllo", 2))
	assert.Equal(t, "", TruncRunes("héllo", 0))
}
