package acceptance_test

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("foreman start", func() {
	var tmpDir string
	var repoDir string
	var configPath string
	var stateDir string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "foreman-start-*")
		Expect(err).NotTo(HaveOccurred())

		repoDir = filepath.Join(tmpDir, "api")
		Expect(os.MkdirAll(repoDir, 0755)).To(Succeed())
		gitInit(repoDir)

		stateDir = filepath.Join(tmpDir, "state")
		configPath = filepath.Join(tmpDir, "project.yaml")
		writeFile(configPath, `
name: widgets
repos:
  - name: api
    path: `+repoDir+`
workflow:
  enable_human_review: false
`)
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	It("materialises a workspace, runs the action chain, and routes to in_review when no agent is installed", func() {
		cmd := exec.Command(binaryPath, "--state-dir", stateDir, "start", configPath,
			"--task", "add a widget", "--prompt", "add a widget endpoint")
		// Keep the sandboxed test PATH free of any real coding-agent binary
		// so this exercises the ExecutableNotFound path deterministically;
		// only git (needed for the worktree and head capture) stays on it.
		gitPath, err := exec.LookPath("git")
		Expect(err).NotTo(HaveOccurred())
		binDir := filepath.Join(tmpDir, "bin")
		Expect(os.MkdirAll(binDir, 0755)).To(Succeed())
		Expect(os.Symlink(gitPath, filepath.Join(binDir, "git"))).To(Succeed())
		cmd.Env = append(os.Environ(), "PATH="+binDir)
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))
		Expect(string(output)).To(ContainSubstring("started"))

		entries, err := os.ReadDir(filepath.Join(stateDir, "task"))
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))

		data, err := os.ReadFile(filepath.Join(stateDir, "task", entries[0].Name()))
		Expect(err).NotTo(HaveOccurred())
		var task map[string]any
		Expect(json.Unmarshal(data, &task)).To(Succeed())
		Expect(task["status"]).To(Equal("in_review"))

		workspaceEntries, err := os.ReadDir(filepath.Join(stateDir, "workspaces"))
		Expect(err).NotTo(HaveOccurred())
		Expect(workspaceEntries).To(HaveLen(1))
	})

	It("rejects an unknown --repo filter", func() {
		cmd := exec.Command(binaryPath, "--state-dir", stateDir, "start", configPath,
			"--task", "x", "--prompt", "y", "--repo", "does-not-exist")
		cmd.Env = append(os.Environ(), "PATH=/nonexistent")
		_, err := cmd.CombinedOutput()
		Expect(err).To(HaveOccurred())
	})
})

func gitInit(dir string) {
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		ExpectWithOffset(2, err).NotTo(HaveOccurred(), "git %v: %s", args, out)
	}
	run("init", "-q")
	run("config", "user.name", "test")
	run("config", "user.email", "test@example.com")
	Expect(os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644)).To(Succeed())
	run("add", "-A")
	run("commit", "-q", "-m", "initial")
}
