package tgui

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscAndTags(t *testing.T) {
	assert.Equal(t, H("a &lt;b&gt; &amp; &#34;c&#34;"), Esc(`a <b> & "c"`))
	assert.Equal(t, H("<b>Mr. Mime</b>"), B("Mr. Mime"))
	assert.Equal(t, H("<code>/watch &lt;name&gt;</code>"), Code("/watch <name>"))
	assert.Equal(t, H("<i>x</i>"), I("x"))
}

func TestJoinSkipsBlank(t *testing.T) {
	assert.Equal(t, H("a, b"), Join(", ", "a", " ", "b"))
	assert.Equal(t, H(""), Join(", "))
}

func TestBullets(t *testing.T) {
	assert.Equal(t, H("Watching:\n- a\n- b"), Bullets("Watching:", "a", "b"))
	assert.Equal(t, H("- a\n- b"), Bullets("", "a", "b"))
}
