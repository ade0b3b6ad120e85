package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/revenant/revenant/internal/artifact"
	"github.com/revenant/revenant/internal/engine"
	"github.com/revenant/revenant/pkg/interfaces"
	"github.com/revenant/revenant/pkg/logger"
	"github.com/revenant/revenant/pkg/mocks"
	"github.com/revenant/revenant/pkg/types"
)

var _ = Describe("Orchestrator", func() {
	var (
		ctx      context.Context
		config   *types.RevenantConfig
		factory  *mocks.MockFactory
		listener *mocks.RecordingListener
		orch     *engine.Orchestrator
	)

	writeApp := func(name, domain string) string {
		dir := filepath.Join(config.AppsDir, name)
		Expect(os.MkdirAll(dir, 0755)).To(Succeed())
		content := "name: " + name + "\n"
		if domain != "" {
			content += "domain: " + domain + "\n"
		}
		Expect(os.WriteFile(artifact.DescriptorPath(dir, types.KindApplication), []byte(content), 0644)).To(Succeed())
		return dir
	}

	writeDomain := func(name string) string {
		dir := filepath.Join(config.DomainsDir, name)
		Expect(os.MkdirAll(dir, 0755)).To(Succeed())
		Expect(os.WriteFile(artifact.DescriptorPath(dir, types.KindDomain), []byte("name: "+name+"\n"), 0644)).To(Succeed())
		return dir
	}

	dropArchive := func(name string) {
		src := filepath.Join(GinkgoT().TempDir(), name)
		Expect(os.MkdirAll(src, 0755)).To(Succeed())
		Expect(os.WriteFile(artifact.DescriptorPath(src, types.KindApplication), []byte("name: "+name+"\n"), 0644)).To(Succeed())
		Expect(artifact.Pack(src, filepath.Join(config.AppsDir, name+".zip"))).To(Succeed())
	}

	names := func(kind types.ArtifactKind) []string {
		out := []string{}
		for _, a := range orch.ListDeployed(kind) {
			out = append(out, a.Name)
		}
		return out
	}

	BeforeEach(func() {
		ctx = context.Background()
		root := GinkgoT().TempDir()
		config = &types.RevenantConfig{
			AppsDir:      filepath.Join(root, "apps"),
			DomainsDir:   filepath.Join(root, "domains"),
			PollInterval: 50,
		}
		factory = mocks.NewMockFactory()
		listener = mocks.NewRecordingListener()
	})

	JustBeforeEach(func() {
		orch = engine.New(config, logger.CreateLoggerWithOutput("", "debug", GinkgoWriter), interfaces.Dependencies{
			Factory:      factory,
			StateManager: mocks.NewMockStateManager(),
			Listeners:    []interfaces.DeploymentListener{listener},
		})
		Expect(os.MkdirAll(config.AppsDir, 0755)).To(Succeed())
		Expect(os.MkdirAll(config.DomainsDir, 0755)).To(Succeed())
	})

	AfterEach(func() {
		if orch.IsRunning() {
			Expect(orch.Stop(ctx)).To(Succeed())
		}
	})

	Context("with the background watcher running", func() {
		JustBeforeEach(func() {
			Expect(orch.Start(ctx)).To(Succeed())
		})

		It("deploys an archive dropped in later", func() {
			dropArchive("dummy-app")

			Eventually(func() []string { return names(types.KindApplication) }).
				WithTimeout(3 * time.Second).Should(Equal([]string{"dummy-app"}))
			Eventually(listener.Sequence).Should(Equal(mocks.DeploySequence("dummy-app")))
		})

		It("undeploys when the anchor is deleted", func() {
			writeApp("dummy-app", "")
			Eventually(func() []string { return names(types.KindApplication) }).Should(HaveLen(1))

			Expect(os.Remove(artifact.AnchorPath(config.AppsDir, "dummy-app"))).To(Succeed())

			Eventually(func() int {
				return listener.Count(mocks.EventUndeploymentSuccess, "dummy-app")
			}).WithTimeout(3 * time.Second).Should(Equal(1))
			Expect(names(types.KindApplication)).To(BeEmpty())
		})

		It("reports a broken application once while it stays unchanged", func() {
			factory.Fail("broken-app", mocks.FailStart)
			writeApp("broken-app", "")

			Eventually(func() int {
				return listener.Count(mocks.EventDeploymentFailure, "broken-app")
			}).WithTimeout(3 * time.Second).Should(Equal(1))
			Consistently(func() int {
				return listener.Count(mocks.EventDeploymentFailure, "broken-app")
			}).WithTimeout(300 * time.Millisecond).Should(Equal(1))
			Expect(orch.Zombies(types.KindApplication)).To(HaveLen(1))
		})
	})

	Context("with an explicit startup order", func() {
		BeforeEach(func() {
			config.StartupOrder = types.ParseStartupOrder("3:1:2")
		})

		It("lists deployed artifacts in that order", func() {
			for _, name := range []string{"1", "2", "3"} {
				dropArchive(name)
			}
			Expect(orch.Reconcile(ctx)).To(Succeed())
			Expect(names(types.KindApplication)).To(Equal([]string{"3", "1", "2"}))
		})
	})

	Context("with applications bound to a domain", func() {
		BeforeEach(func() {
			config.PollInterval = int(time.Hour / time.Millisecond)
		})

		JustBeforeEach(func() {
			Expect(orch.Start(ctx)).To(Succeed())
			writeDomain("shared")
			writeApp("a1", "shared")
			writeApp("a2", "shared")
			Expect(orch.Reconcile(ctx)).To(Succeed())
			listener.Reset()
		})

		It("undeploys every application before the domain", func() {
			Expect(orch.Undeploy(ctx, types.KindDomain, "shared")).To(Succeed())

			seq := listener.Sequence()
			Expect(seq).To(HaveLen(6))
			Expect(seq[4:]).To(Equal(mocks.UndeploySequence("shared")))
			Expect(seq[:4]).To(ConsistOf(append(mocks.UndeploySequence("a1"), mocks.UndeploySequence("a2")...)))
			Expect(names(types.KindApplication)).To(BeEmpty())
		})

		When("an application fails to stop", func() {
			BeforeEach(func() {
				factory.Fail("a1", mocks.FailStop)
			})

			It("is torn down and uninstalled anyway", func() {
				Expect(orch.Undeploy(ctx, types.KindApplication, "a1")).To(Succeed())
				Expect(factory.Latest("a1").Disposed()).To(BeTrue())
				Expect(orch.Artifacts(types.KindApplication)).To(HaveLen(1))
				Expect(filepath.Join(config.AppsDir, "a1")).NotTo(BeADirectory())
			})
		})
	})
})
