package acceptance_test

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("foreman run/status/validate", func() {
	var tmpDir string
	var configPath string
	var stateDir string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "foreman-test-*")
		Expect(err).NotTo(HaveOccurred())

		stateDir = filepath.Join(tmpDir, "state")
		configPath = filepath.Join(tmpDir, "project.yaml")
		writeFile(configPath, `
name: widgets
repos:
  - name: api
    path: `+filepath.Join(tmpDir, "api")+`
    setup_script: "npm install"
workflow:
  enable_human_review: false
`)
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	It("validates a well-formed config", func() {
		cmd := exec.Command(binaryPath, "validate", configPath)
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))
		Expect(string(output)).To(ContainSubstring("Configuration is valid"))
	})

	It("rejects a config missing required fields", func() {
		badConfigPath := filepath.Join(tmpDir, "bad.yaml")
		writeFile(badConfigPath, `
repos: []
`)
		cmd := exec.Command(binaryPath, "validate", badConfigPath)
		output, err := cmd.CombinedOutput()
		Expect(err).To(HaveOccurred(), "output: %s", string(output))
	})

	It("creates project state on first run and is idempotent on the second", func() {
		cmd1 := exec.Command(binaryPath, "--state-dir", stateDir, "run", configPath)
		out1, err := cmd1.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "first run: %s", string(out1))
		Expect(string(out1)).To(ContainSubstring(`project "widgets" synced (1 repo(s))`))

		cmd2 := exec.Command(binaryPath, "--state-dir", stateDir, "run", configPath)
		out2, err := cmd2.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "second run: %s", string(out2))
		Expect(string(out2)).To(ContainSubstring(`project "widgets" synced (1 repo(s))`))

		entries, err := os.ReadDir(filepath.Join(stateDir, "project"))
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
	})

	It("shows an empty task list for a freshly synced project", func() {
		runCmd := exec.Command(binaryPath, "--state-dir", stateDir, "run", configPath)
		out, err := runCmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "run: %s", string(out))

		statusCmd := exec.Command(binaryPath, "--state-dir", stateDir, "status", "widgets")
		statusOut, err := statusCmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "status: %s", string(statusOut))
		Expect(string(statusOut)).To(ContainSubstring("no tasks"))
	})

	It("errors on status for an unknown project", func() {
		runCmd := exec.Command(binaryPath, "--state-dir", stateDir, "run", configPath)
		out, err := runCmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "run: %s", string(out))

		statusCmd := exec.Command(binaryPath, "--state-dir", stateDir, "status", "does-not-exist")
		_, err = statusCmd.CombinedOutput()
		Expect(err).To(HaveOccurred())
	})

	It("persists the repo record with the fields from the config", func() {
		runCmd := exec.Command(binaryPath, "--state-dir", stateDir, "run", configPath)
		out, err := runCmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "run: %s", string(out))

		data, err := os.ReadFile(filepath.Join(stateDir, "repo", "widgets-api.json"))
		Expect(err).NotTo(HaveOccurred())

		var repo map[string]any
		Expect(json.Unmarshal(data, &repo)).To(Succeed())
		Expect(repo["name"]).To(Equal("api"))
		Expect(repo["setup_script"]).To(Equal("npm install"))
	})
})

func writeFile(path, content string) {
	dir := filepath.Dir(path)
	err := os.MkdirAll(dir, 0755)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	err = os.WriteFile(path, []byte(content), 0644)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
}
