package main

// gitsvnbridge-graph renders a branch's first-parent commit chain (the
// same chain repo.Branch walks to synthesise revision numbers) as a
// Graphviz dot file, for inspecting how a repository's linear revision
// space maps onto the underlying git commit graph.

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/emicklei/dot"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/rcowham/gitsvnbridge/internal/version"
	"github.com/rcowham/gitsvnbridge/repo"
	"github.com/rcowham/gitsvnbridge/store"
)

func main() {
	var (
		gitDir = kingpin.Arg(
			"gitdir",
			"Path to the git repository to graph.",
		).Required().String()
		branch = kingpin.Flag(
			"branch",
			"Branch (ref name) to graph.",
		).Default("main").Short('b').String()
		outputGraph = kingpin.Flag(
			"output",
			"Graphviz dot file to write.",
		).Short('o').Required().String()
		debug = kingpin.Flag(
			"debug",
			"Enable debugging level.",
		).Default("0").Int()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("gitsvnbridge-graph")).Author("Robert Cowham")
	kingpin.CommandLine.Help = "Renders a branch's first-parent revision chain as a Graphviz dot file\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug > 0 {
		logger.Level = logrus.DebugLevel
	}
	startTime := time.Now()
	logger.Infof("%v", version.Print("gitsvnbridge-graph"))
	logger.Infof("Starting %s, gitdir: %v, branch: %v", startTime, *gitDir, *branch)
	logger.Infof("OS: %s/%s", runtime.GOOS, runtime.GOARCH)

	gs, err := store.OpenGitStore(*gitDir)
	if err != nil {
		logger.Errorf("error opening git store %s: %v", *gitDir, err)
		os.Exit(1)
	}
	b, err := repo.NewBranch(gs, *branch, "", false)
	if err != nil {
		logger.Errorf("error opening branch %s: %v", *branch, err)
		os.Exit(1)
	}

	graph := dot.NewGraph(dot.Directed)
	var prev dot.Node
	for rev := repo.Revision(1); rev <= b.Latest(); rev++ {
		id, ok := b.CommitAt(rev)
		if !ok {
			logger.Errorf("error reading revision %d: no such commit", rev)
			break
		}
		c, err := gs.Commit(id)
		if err != nil {
			logger.Errorf("error reading commit %s: %v", id, err)
			break
		}
		label := fmt.Sprintf("r%d\n%s\n%s", rev, id.String()[:8], c.Author.Name)
		node := graph.Node(label)
		if rev > 1 {
			graph.Edge(prev, node, "p")
		}
		prev = node
	}

	f, err := os.OpenFile(*outputGraph, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		logger.Errorf("error creating %s: %v", *outputGraph, err)
		os.Exit(1)
	}
	defer f.Close()
	f.Write([]byte(graph.String()))
}
