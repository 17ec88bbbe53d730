package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForumLevels(t *testing.T) {
	root := NewRootForum("-1")
	assert.Equal(t, RootLevel, root.Level())

	child := NewForum("10")
	require.NoError(t, root.AddForum(child))
	assert.Equal(t, 0, child.Level())

	grandchild := NewForum("11")
	require.NoError(t, child.AddForum(grandchild))
	assert.Equal(t, child.Level()+1, grandchild.Level())
}

func TestSingleParent(t *testing.T) {
	a := NewForum("a")
	b := NewForum("b")
	child := NewForum("c")

	require.NoError(t, a.AddForum(child))
	err := b.AddForum(child)
	require.Error(t, err, "no two parents may claim the same child")
	assert.Len(t, b.Forums, 0)
}

func TestNoCycles(t *testing.T) {
	a := NewForum("a")
	b := NewForum("b")
	c := NewForum("c")
	require.NoError(t, a.AddForum(b))
	require.NoError(t, b.AddForum(c))

	assert.Error(t, a.AddForum(a), "self-parenting rejected")

	// c already has a parent, and adopting an ancestor is also refused
	assert.Error(t, c.AddForum(a))
}

func TestDuplicateChildRejected(t *testing.T) {
	f := NewForum("f")
	th := NewThread("t1")
	require.NoError(t, f.AddThread(th))
	assert.Error(t, f.AddThread(th))
	assert.Len(t, f.Threads, 1)
}

func TestSetThreadsRebuilds(t *testing.T) {
	f := NewForum("f")
	old := NewThread("old")
	require.NoError(t, f.AddThread(old))

	fresh := NewThread("new")
	require.NoError(t, f.SetThreads([]*Thread{fresh}))

	require.Len(t, f.Threads, 1)
	assert.Equal(t, "new", f.Threads[0].Id)
	assert.Nil(t, old.Parent(), "replaced threads are detached")
	assert.Equal(t, f.Base(), fresh.Parent().Base())
}

func buildTree() *Forum {
	root := NewRootForum("-1")
	general := NewForum("1")
	general.Name = "General"
	general.Type = ForumTypeCategory
	sub := NewForum("2")
	sub.Name = "Chat"
	sub.Type = ForumTypeForum
	root.AddForum(general)
	general.AddForum(sub)
	return root
}

func TestStructureEqual(t *testing.T) {
	assert.True(t, buildTree().StructureEqual(buildTree()))

	renamed := buildTree()
	renamed.Forums[0].Forums[0].Name = "Off Topic"
	assert.False(t, buildTree().StructureEqual(renamed))

	extra := buildTree()
	extra.Forums[0].AddForum(NewForum("3"))
	assert.False(t, buildTree().StructureEqual(extra))

	retyped := buildTree()
	retyped.Forums[0].Type = ForumTypeForum
	assert.False(t, buildTree().StructureEqual(retyped))
}

func TestPostPlainText(t *testing.T) {
	p := NewPost("99")
	p.Text = `<b>hello</b> <a href="x">world</a>`
	assert.Equal(t, "hello world", p.PlainText())
}
