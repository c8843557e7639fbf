package cli

import (
	"fmt"
	"os"

	"github.com/foreman-run/foreman/internal/config"
	"github.com/foreman-run/foreman/internal/gitservice"
	"github.com/foreman-run/foreman/internal/store"
)

// loadAndValidateConfig loads a project config file and validates it,
// printing errors to stderr the way the teacher's run/status commands do
// before failing the command.
func loadAndValidateConfig(path string) (*config.ProjectConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return nil, err
	}

	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "Error: %s\n", e)
		}
		return nil, fmt.Errorf("%d validation error(s)", len(errs))
	}

	return cfg, nil
}

// openStore loads persisted state from --state-dir, treating a directory
// that does not exist yet as a fresh, empty store (the core's first run).
func openStore() (*store.Store, error) {
	if _, err := os.Stat(stateDir); os.IsNotExist(err) {
		return store.New(stateDir), nil
	}
	st, err := store.LoadFromDisk(stateDir)
	if err != nil {
		return nil, fmt.Errorf("loading state from %s: %w", stateDir, err)
	}
	return st, nil
}

// syncProject finds the project named by cfg.Name in st, creating it and
// its repos on first sight and leaving an existing project's task history
// untouched on subsequent runs — config is re-applied idempotently by name,
// not by regenerating IDs each time.
func syncProject(st *store.Store, cfg *config.ProjectConfig) (store.Project, error) {
	for _, p := range st.ListProjects() {
		if p.Name == cfg.Name {
			return p, nil
		}
	}

	repoIDs := make([]string, 0, len(cfg.Repos))
	for _, rc := range cfg.Repos {
		repo := store.Repo{
			ID:                  cfg.Name + "-" + rc.Name,
			Name:                rc.Name,
			Path:                rc.Path,
			ParallelSetupScript: rc.ParallelSetupScript,
			DevScriptWorkingDir: rc.DevScriptWorkingDir,
		}
		if rc.SetupScript != "" {
			repo.SetupScript = &rc.SetupScript
		}
		if rc.CleanupScript != "" {
			repo.CleanupScript = &rc.CleanupScript
		}
		if _, err := st.CreateRepo(repo); err != nil {
			return store.Project{}, fmt.Errorf("creating repo %s: %w", rc.Name, err)
		}
		repoIDs = append(repoIDs, repo.ID)
	}

	project := store.Project{
		ID:                     cfg.Name,
		Name:                   cfg.Name,
		RepoIDs:                repoIDs,
		DevScriptWorkingDir:    cfg.DevScriptWorkingDir,
		DefaultAgentWorkingDir: cfg.DefaultAgentWorkingDir,
	}
	return st.CreateProject(project)
}

// defaultGit returns the real exec("git")-backed GitService; tests that
// need a fake substitute construct a Supervisor/Recovery directly instead
// of going through this package.
func defaultGit() gitservice.Service {
	return gitservice.New()
}
