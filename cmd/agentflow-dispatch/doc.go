// =============================================================================
// Aether Dispatch 主入口
// =============================================================================
// 调度核心的可执行入口，包含 serve / migrate / simulate 三个子命令。
// 这个二进制只负责把 dispatch/* 的各个组件接起来跑通一次完整的
// 候选者解析 -> 排序 -> 执行 -> 失败转移流程；管理员/公开 REST 接口
// 本身不在范围内（spec.md §1 的 non-goal）。
//
// 使用方法:
//
//	agentflow-dispatch serve                      # 启动服务（health + metrics）
//	agentflow-dispatch serve --config config.yaml # 指定配置文件
//	agentflow-dispatch migrate up                 # 运行数据库迁移
//	agentflow-dispatch migrate status             # 查看迁移状态
//	agentflow-dispatch simulate --model gpt-4     # 跑一次端到端调度模拟
// =============================================================================
package main
